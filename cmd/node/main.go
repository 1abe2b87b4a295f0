package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantumchain/node/core"
	qcconfig "github.com/quantumchain/node/pkg/config"
)

var (
	runningNode *core.Node
	nodeCancel  context.CancelFunc
	nodeMu      sync.RWMutex
	env         string
)

func nodeInit(cmd *cobra.Command, _ []string) error {
	nodeMu.RLock()
	already := runningNode != nil
	nodeMu.RUnlock()
	if already {
		return nil
	}

	cfg, err := qcconfig.Load(env)
	if err != nil {
		return err
	}
	qcconfig.ApplyLogLevel(*cfg)

	self := core.Address{1}
	stake := map[core.Address]*core.U256{self: big.NewInt(1)}

	ctx, cancel := context.WithCancel(context.Background())
	n, err := core.NewNode(ctx, core.NodeConfig{
		Genesis:        core.BlockHeader{ChainID: cfg.Consensus.Epoch},
		ValidatorStake: stake,
		Epoch:          cfg.Consensus.Epoch,
		BusKey:         []byte(viper.GetString("network.discovery_tag")),
		LocalPeerID:    core.NodeID{1},
		KVStorePath:    cfg.Storage.DBPath,
	})
	if err != nil {
		cancel()
		return err
	}

	nodeMu.Lock()
	runningNode = n
	nodeCancel = cancel
	nodeMu.Unlock()

	logrus.WithField("discovery_tag", cfg.Network.DiscoveryTag).Info("node wired")
	return nil
}

func nodeRun(cmd *cobra.Command, _ []string) error {
	nodeMu.RLock()
	n := runningNode
	nodeMu.RUnlock()
	if n == nil {
		return fmt.Errorf("node not initialised")
	}

	ctx, cancel := context.WithCancel(context.Background())
	// Run drives both the periodic GC sweeps and the bus dispatch loops
	// (assembler, gateway bridge) that carry the node's actual control flow.
	go n.Run(ctx, 2*time.Second)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	fmt.Fprintln(cmd.OutOrStdout(), "node running, press ctrl-c to stop")
	<-sig
	cancel()
	return n.Shutdown()
}

func nodeStop(cmd *cobra.Command, _ []string) error {
	nodeMu.Lock()
	n := runningNode
	c := nodeCancel
	runningNode = nil
	nodeCancel = nil
	nodeMu.Unlock()
	if n == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "not running")
		return nil
	}
	if c != nil {
		c()
	}
	return n.Shutdown()
}

func mempoolStatus(cmd *cobra.Command, _ []string) error {
	nodeMu.RLock()
	n := runningNode
	nodeMu.RUnlock()
	if n == nil {
		return fmt.Errorf("node not initialised")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\n", n.Mempool.Len())
	return nil
}

func stateRoot(cmd *cobra.Command, _ []string) error {
	nodeMu.RLock()
	n := runningNode
	nodeMu.RUnlock()
	if n == nil {
		return fmt.Errorf("node not initialised")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", n.Trie.Root().Hex())
	return nil
}

func main() {
	rootCmd := &cobra.Command{Use: "qcnode", PersistentPreRunE: nodeInit}
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "configuration environment override (e.g. bootstrap)")

	rootCmd.AddCommand(&cobra.Command{Use: "run", Short: "run the node's background subsystems until interrupted", RunE: nodeRun})
	rootCmd.AddCommand(&cobra.Command{Use: "stop", Short: "stop a running node", RunE: nodeStop})

	mempoolCmd := &cobra.Command{Use: "mempool", Short: "inspect the mempool"}
	mempoolCmd.AddCommand(&cobra.Command{Use: "status", Short: "print pending transaction count", RunE: mempoolStatus})
	rootCmd.AddCommand(mempoolCmd)

	stateCmd := &cobra.Command{Use: "state", Short: "inspect node state"}
	stateCmd.AddCommand(&cobra.Command{Use: "root", Short: "print the current state root", RunE: stateRoot})
	rootCmd.AddCommand(stateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

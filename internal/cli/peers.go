package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trosyn.dev/go/trosync/internal/config"
	"trosyn.dev/go/trosync/internal/daemon"
	"trosyn.dev/go/trosync/internal/discovery"
	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/registry"
)

var peersWait time.Duration

func init() {
	rootCmd.AddCommand(peersCmd)
	peersCmd.Flags().DurationVar(&peersWait, "wait", 3*time.Second, "how long to listen for responses")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Probe the LAN for sync nodes",
	Long: `Probe the LAN for sync nodes.

Broadcasts a discovery announcement on the configured multicast group and
prints every node that answers within the wait window. Only nodes holding
the same cluster key respond.`,
	RunE: runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	psk, err := daemon.LoadPSK(cfg)
	if err != nil {
		return err
	}
	if len(psk) == 0 {
		return fmt.Errorf("no cluster key configured; run 'trosyncd keygen' first")
	}

	codec := protocol.NewCodec(cfg.Node.ID, psk, cfg.Security.MessageTTL.Duration)
	reg := registry.New()

	disco, err := discovery.New(codec, reg, discovery.Options{
		NodeName:       cfg.Node.Name,
		SyncPort:       cfg.Node.SyncPort,
		MulticastGroup: cfg.Discovery.MulticastGroup,
		MulticastPort:  cfg.Discovery.MulticastPort,
		Interval:       cfg.Discovery.Interval.Duration,
		StaleAfter:     cfg.Discovery.StaleAfter.Duration,
	})
	if err != nil {
		return err
	}
	if err := disco.Start(); err != nil {
		return err
	}
	defer disco.Stop()

	time.Sleep(peersWait)

	nodes := reg.Snapshot()
	if len(nodes) == 0 {
		fmt.Println("No peers found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tNAME\tADDR\tLAST SEEN")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.NodeID, n.Name, n.Addr, n.LastSeen.Format(time.RFC3339))
	}
	return w.Flush()
}

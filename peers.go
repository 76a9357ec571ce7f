package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"alacrite/discovery"
	"alacrite/models"
)

func newPeersCmd(flags *cliFlags) *cobra.Command {
	var (
		wait time.Duration
		mdns bool
	)

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Run discovery for a while and list the peers seen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd, flags)
			if err != nil {
				return err
			}
			useMDNS := env.cfg.MDNSEnabled
			if changed(cmd, "mdns") {
				useMDNS = mdns
			}

			disc, err := discovery.Start(discovery.Config{
				Port:     env.cfg.DiscoveryPort,
				Hostname: env.cfg.DeviceName,
				Logger:   env.logger,
			})
			if err != nil {
				return err
			}
			defer disc.Stop()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var browsed []models.PeerInfo
			var browseErr error
			if useMDNS {
				// Browse blocks for the same window the UDP listener runs.
				browsed, browseErr = discovery.Browse(ctx, discovery.BrowseConfig{
					Timeout: wait,
					SelfID:  disc.Local().ID,
					Logger:  env.logger,
				})
			} else {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}

			printPeers(out, "UDP broadcast", disc.KnownPeers())
			if useMDNS {
				if browseErr != nil {
					return browseErr
				}
				fmt.Fprintln(out)
				printPeers(out, "mDNS", browsed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to listen for peers")
	cmd.Flags().BoolVar(&mdns, "mdns", false, "Also browse for peers over mDNS")
	return cmd
}

func printPeers(out io.Writer, source string, peers []models.PeerInfo) {
	fmt.Fprintf(out, "%s: %d peer(s)\n", source, len(peers))
	if len(peers) == 0 {
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOSTNAME\tADDRESS\tLAST SEEN")
	for _, peer := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			peer.ID,
			peer.Hostname,
			peer.AddrPort(),
			peer.LastSeenTime().Format(time.RFC3339),
		)
	}
	_ = tw.Flush()
}

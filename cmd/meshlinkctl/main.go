// Command meshlinkctl inspects and bootstraps a MeshLink confbase without
// running a long-lived daemon process.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/meshlink/meshlink"
)

func main() {
	rootCmd := &cobra.Command{Use: "meshlinkctl"}
	rootCmd.PersistentFlags().String("confbase", "", "on-disk configuration directory")
	rootCmd.PersistentFlags().String("appname", "meshlinkctl", "application name advertised on the wire")

	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(inviteCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openMesh(cmd *cobra.Command, name string) (*meshlink.Mesh, error) {
	confbase, _ := cmd.Flags().GetString("confbase")
	appName, _ := cmd.Flags().GetString("appname")
	return meshlink.Open(meshlink.OpenParams{
		ConfBase: confbase,
		Name:     name,
		AppName:  appName,
	})
}

// graphCmd prints the routing table this confbase currently knows, the
// devtools-style introspection described as a supplemented feature.
func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "print the known node graph and routing state",
		RunE: func(cmd *cobra.Command, args []string) error {
			mesh, err := openMesh(cmd, "")
			if err != nil {
				return err
			}
			defer mesh.Close()

			dbg := mesh.DebugGraph()
			names := mesh.DebugNodes()

			format, _ := cmd.Flags().GetString("format")
			if format == "yaml" {
				out, err := yaml.Marshal(dbg)
				if err != nil {
					return err
				}
				os.Stdout.Write(out)
				return nil
			}

			for _, name := range names {
				d := dbg[name]
				fmt.Printf("%-24s reachable=%-5v indirect=%-5v distance=%-3d nexthop=%-24s via=%s\n",
					name, d.Reachable, d.Indirect, d.Distance, d.NextHop, d.Via)
			}
			return nil
		},
	}
	cmd.Flags().String("format", "text", "output format: text or yaml")
	return cmd
}

func inviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite <invitee-name>",
		Short: "generate an invitation URL for a new node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mesh, err := openMesh(cmd, "")
			if err != nil {
				return err
			}
			defer mesh.Close()

			submesh, _ := cmd.Flags().GetString("submesh")
			url, err := mesh.Invite(args[0], submesh, meshlink.DevClassUnknown)
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
	cmd.Flags().String("submesh", "", "restrict the invitee to this submesh")
	return cmd
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <name> <url>",
		Short: "bootstrap a fresh confbase from an invitation URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mesh, err := openMesh(cmd, args[0])
			if err != nil {
				return err
			}
			defer mesh.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := mesh.Join(ctx, args[1]); err != nil {
				return err
			}
			fmt.Printf("joined as %s\n", mesh.Self().Name)
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "print this node's own host config blob as raw packmsg bytes",
		RunE: func(cmd *cobra.Command, args []string) error {
			mesh, err := openMesh(cmd, "")
			if err != nil {
				return err
			}
			defer mesh.Close()

			blob, err := mesh.Export()
			if err != nil {
				return err
			}
			os.Stdout.Write(blob)
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "install a node from another mesh's exported host config blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mesh, err := openMesh(cmd, "")
			if err != nil {
				return err
			}
			defer mesh.Close()

			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return mesh.Import(blob)
		},
	}
}

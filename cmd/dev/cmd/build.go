package cmd

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/gophertribe/devtool/build"
	"github.com/spf13/cobra"
)

const buildImage = "gophertribe/gobuild:1.25-bookworm"

// target is an os/arch pair the pdb cli is shipped for.
type target struct {
	os, arch string
}

func (t target) String() string { return t.os + "/" + t.arch }

func (t target) host() bool { return t.os == runtime.GOOS && t.arch == runtime.GOARCH }

// output is dist/pdb for the host and dist/pdb-<os>-<arch> otherwise.
func (t target) output() string {
	if t.host() {
		return "dist/pdb"
	}
	return fmt.Sprintf("dist/pdb-%s-%s", t.os, t.arch)
}

// parseTargets accepts "host" and os/arch pairs such as linux/arm64.
func parseTargets(specs []string) ([]target, error) {
	var out []target
	seen := make(map[target]bool)
	for _, spec := range specs {
		t := target{os: runtime.GOOS, arch: runtime.GOARCH}
		if spec != "host" {
			osName, arch, ok := strings.Cut(spec, "/")
			if !ok || osName == "" || arch == "" {
				return nil, fmt.Errorf("invalid target %q, want os/arch or host", spec)
			}
			t = target{os: osName, arch: arch}
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no build target")
	}
	return out, nil
}

func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the pdb operator cli for the host and bench targets",
		Long: `Builds ./cmd/pdb. The MCP2221 bridge goes through hidapi and needs cgo,
which is only on for the host build unless --cgo is given. Cross builds
without cgo still carry the simulator and the host I2C adapter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := cmd.Flags().GetStringSlice("target")
			if err != nil {
				return fmt.Errorf("could not get target flag: %w", err)
			}
			targets, err := parseTargets(specs)
			if err != nil {
				return err
			}
			version := cmd.Flag("version").Value.String()
			cgo, _ := cmd.Flags().GetBool("cgo")
			docker, _ := cmd.Flags().GetBool("docker")
			noCache, _ := cmd.Flags().GetBool("no-cache")

			for _, t := range targets {
				if docker && !t.host() {
					slog.Info("building in container", "target", t, "image", buildImage)
					err := build.Docker(cmd.Context(), fmt.Sprintf("./dev-%s-%s", t.os, t.arch),
						[]string{"build", "--version", version, "--target", t.String(), "--cgo"},
						build.DockerBuildOpts{NoCache: noCache, Image: buildImage})
					if err != nil {
						return fmt.Errorf("container build for %s failed: %w", t, err)
					}
					continue
				}
				enableCgo := t.host() || cgo
				if !enableCgo {
					slog.Warn("cgo is off, the MCP2221 bridge will not be available", "target", t)
				}
				slog.Info("building pdb", "target", t, "output", t.output(), "version", version)
				err := build.GoBuild(t.output(), "./cmd/pdb", build.GoBuildOpts{
					Version:       version,
					InjectVersion: true,
					ConfigPackage: "main",
					EnableCgo:     enableCgo,
					Arch:          t.arch,
					OS:            t.os,
				})
				if err != nil {
					return fmt.Errorf("build for %s failed: %w", t, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("target", []string{"host"}, "targets to build, host or os/arch (e.g. linux/arm64 for a bench Pi)")
	cmd.Flags().String("version", "latest", "version injected into the binary")
	cmd.Flags().Bool("cgo", false, "keep cgo on for cross targets (needs a cross C toolchain)")
	cmd.Flags().Bool("docker", false, "build cross targets inside the build image with cgo on")
	cmd.Flags().Bool("no-cache", false, "do not use the docker build cache")
	return cmd
}

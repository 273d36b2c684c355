package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/pkg/admin"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/types"
)

const adminTimeout = 30 * time.Second

func dialAdmin(cmd *cobra.Command) (*admin.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	addr := cfg.Sockets.Admin
	if cmd.Flags().Changed("socket") {
		addr, _ = cmd.Flags().GetString("socket")
	}
	return admin.DialClient(addr, adminTimeout)
}

var importCmd = &cobra.Command{
	Use:   "import PACKAGE VERSION ABI [WHEEL...]",
	Short: "Register an externally built wheel with a running master",
	Long: `Register a build with the master as if a builder had produced it.
Wheel files are copied into the artifact tree and recorded against the
given package, version and ABI. With --fail the build is recorded as a
failure and no wheel files may be given.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, version, abi := args[0], args[1], args[2]
		fail, _ := cmd.Flags().GetBool("fail")
		duration, _ := cmd.Flags().GetDuration("duration")
		logPath, _ := cmd.Flags().GetString("log")
		requiresPython, _ := cmd.Flags().GetString("requires-python")
		aptDeps, _ := cmd.Flags().GetStringSlice("depends")

		wheels := args[3:]
		if fail && len(wheels) > 0 {
			return fmt.Errorf("--fail takes no wheel files")
		}
		if !fail && len(wheels) == 0 {
			return fmt.Errorf("a successful import needs at least one wheel file")
		}

		var output string
		if logPath != "" {
			data, err := os.ReadFile(logPath)
			if err != nil {
				return err
			}
			output = string(data)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		files := make([]protocol.FileState, 0, len(wheels))
		for _, path := range wheels {
			fs, err := scanWheel(path, requiresPython, aptDeps)
			if err != nil {
				return err
			}
			dest := filepath.Join(cfg.Output.Path, "simple",
				types.NormalizePackageName(pkg), fs.Filename)
			if err := copyFile(path, dest); err != nil {
				return err
			}
			files = append(files, *fs)
		}

		client, err := dialAdmin(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Import(&protocol.Import{
			Package:  pkg,
			Version:  version,
			ABI:      abi,
			Status:   !fail,
			Duration: protocol.NewDuration(duration),
			Output:   output,
			Files:    files,
		}); err != nil {
			return err
		}
		fmt.Printf("imported %s %s (%s): %d file(s)\n", pkg, version, abi, len(files))
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove PACKAGE VERSION",
	Short: "Remove a version from the index",
	Long: `Remove a version's builds and files from a running master. With
--skip a reason is recorded and the version is never rebuilt; without it
the version becomes pending again on the next queue pass.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("skip")
		client, err := dialAdmin(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Remove(args[0], args[1], reason); err != nil {
			return err
		}
		fmt.Printf("removed %s %s\n", args[0], args[1])
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild PART [PACKAGE]",
	Short: "Regenerate rendered pages",
	Long: `Ask a running master to regenerate part of the web tree. PART is one
of HOME, SEARCH, PROJECT or BOTH; PROJECT and BOTH take an optional
package name, regenerating every package when omitted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		part := strings.ToUpper(args[0])
		var pkg string
		if len(args) == 2 {
			pkg = args[1]
		}
		client, err := dialAdmin(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Rebuild(part, pkg); err != nil {
			return err
		}
		fmt.Printf("rebuild of %s dispatched\n", part)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{importCmd, removeCmd, rebuildCmd} {
		cmd.Flags().String("socket", "", "Admin socket address")
	}
	importCmd.Flags().Bool("fail", false, "Record the build as failed")
	importCmd.Flags().Duration("duration", 0, "Build duration to record")
	importCmd.Flags().String("log", "", "Build log file to archive")
	importCmd.Flags().String("requires-python", "", "Requires-Python constraint")
	importCmd.Flags().StringSlice("depends", nil, "System packages the wheels depend on")
}

// scanWheel derives the file record from a wheel on disk: size and hash
// from the content, tags from the filename.
func scanWheel(path, requiresPython string, aptDeps []string) (*protocol.FileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(path)
	tags, err := parseWheelTags(name)
	if err != nil {
		return nil, err
	}

	deps := make([]protocol.FileDep, len(aptDeps))
	for i, d := range aptDeps {
		deps[i] = protocol.FileDep{Tool: "apt", Dependency: d}
	}

	return &protocol.FileState{
		Filename:       name,
		Filesize:       size,
		Filehash:       hex.EncodeToString(h.Sum(nil)),
		PackageTag:     tags[0],
		VersionTag:     tags[1],
		PyVersionTag:   tags[2],
		ABITag:         tags[3],
		PlatformTag:    tags[4],
		RequiresPython: requiresPython,
		Dependencies:   deps,
	}, nil
}

// parseWheelTags splits a wheel filename into package, version, python,
// abi and platform tags. The optional build tag is dropped.
func parseWheelTags(name string) ([5]string, error) {
	var tags [5]string
	stem, ok := strings.CutSuffix(name, ".whl")
	if !ok {
		return tags, fmt.Errorf("%s: not a wheel filename", name)
	}
	parts := strings.Split(stem, "-")
	switch len(parts) {
	case 5:
		copy(tags[:], parts)
	case 6: // build tag present
		copy(tags[:2], parts[:2])
		copy(tags[2:], parts[3:])
	default:
		return tags, fmt.Errorf("%s: malformed wheel filename", name)
	}
	return tags, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

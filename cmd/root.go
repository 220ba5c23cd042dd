// Package cmd wires the command-line surface: open an evidence image (or a
// live host directory), detect the filesystem at an offset, and run record
// operations through the uniform interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-forensicfs/internal/detect"
	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
	"github.com/deploymenttheory/go-forensicfs/internal/filesystem/folder"
	"github.com/deploymenttheory/go-forensicfs/internal/image"
)

var (
	bodyPath   string
	bodyFormat string
	offsetArg  string
	sizeArg    string
	recordArg  string

	listFlag     bool
	dumpFlag     bool
	printFlag    bool
	enumFlag     bool
	metadataFlag bool
	jsonFlag     bool
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "go-forensicfs",
	Short: "Exhume files and directories from a filesystem in a standardized way",
	Long: `go-forensicfs is a read-only forensic filesystem access layer. It detects
the filesystem inside a byte range of an evidence image (Extended family,
APFS, exFAT, NTFS) or passes through a live host directory, and exposes
uniform record operations: resolve by identifier, list directories, stream
content and export normalized metadata.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

// Execute runs the root command; any error exits non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&bodyPath, "body", "b", "", "path to the evidence image (or a host directory for passthrough)")
	flags.StringVarP(&bodyFormat, "format", "f", "auto", "image format (raw, ewf, auto)")
	flags.StringVarP(&offsetArg, "offset", "o", "0", "filesystem byte offset (decimal or hex)")
	flags.StringVarP(&sizeArg, "size", "s", "0", "filesystem size in sectors (decimal or hex, 0 = to end of image)")
	flags.StringVarP(&recordArg, "record", "i", "", "operate on a single record identifier (decimal or hex)")
	flags.BoolVar(&listFlag, "list", false, "list directory entries of --record")
	flags.BoolVar(&dumpFlag, "dump", false, "dump content of --record to file_<ID>.bin")
	flags.BoolVar(&printFlag, "print", false, "print content of --record to standard output")
	flags.BoolVarP(&enumFlag, "enum", "e", false, "breadth-first enumerate all records")
	flags.BoolVar(&metadataFlag, "metadata", false, "print filesystem-level metadata")
	flags.BoolVarP(&jsonFlag, "json", "j", false, "structured output instead of human text")
	flags.StringVarP(&logLevel, "log-level", "l", "info", "log verbosity (error, warn, info, debug, trace)")

	rootCmd.MarkFlagRequired("body")

	viper.SetEnvPrefix("FORENSICFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlags(flags)
}

func run() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	if err := validateFlagConstraints(); err != nil {
		return err
	}

	fs, cleanup, err := openFilesystem()
	if err != nil {
		return err
	}
	defer cleanup()

	if metadataFlag {
		if err := printMetadata(fs); err != nil {
			return err
		}
	}

	if enumFlag {
		return fs.Enumerate(os.Stdout)
	}

	if recordArg != "" {
		return runRecordOps(fs)
	}

	return nil
}

func validateFlagConstraints() error {
	hasRecord := recordArg != ""
	if (listFlag || dumpFlag || printFlag) && !hasRecord {
		return fmt.Errorf("--list, --dump and --print require --record")
	}
	if enumFlag && (hasRecord || listFlag || dumpFlag || printFlag) {
		return fmt.Errorf("--enum is exclusive with record operations")
	}
	return nil
}

// openFilesystem opens the body and detects the filesystem; a directory
// body selects the host passthrough adapter directly.
func openFilesystem() (filesystem.Filesystem, func(), error) {
	if info, err := os.Stat(bodyPath); err == nil && info.IsDir() {
		fs, err := folder.NewAdapter(bodyPath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}

	body, err := image.Open(bodyPath, bodyFormat)
	if err != nil {
		return nil, nil, err
	}

	offset, err := parseNumber(offsetArg)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --offset: %w", err)
	}
	sectors, err := parseNumber(sizeArg)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --size: %w", err)
	}

	partitionSize := sectors * uint64(body.SectorSize())
	if partitionSize == 0 {
		partitionSize = uint64(body.Size()) - offset
	}

	fs, err := detect.Detect(body, offset, partitionSize)
	if err != nil {
		body.Close()
		return nil, nil, err
	}
	return fs, func() { body.Close() }, nil
}

func runRecordOps(fs filesystem.Filesystem) error {
	id, err := parseNumber(recordArg)
	if err != nil {
		return fmt.Errorf("invalid --record: %w", err)
	}

	rec, err := fs.GetFile(id)
	if err != nil {
		return fmt.Errorf("could not fetch the requested record: %w", err)
	}

	switch {
	case listFlag:
		if err := printListing(fs, rec, id); err != nil {
			return err
		}
	default:
		if err := printRecord(rec, id); err != nil {
			return err
		}
	}

	if dumpFlag {
		if err := filesystem.DumpToFS(fs, rec); err != nil {
			return err
		}
	}
	if printFlag {
		if err := filesystem.DumpToStd(fs, rec, os.Stdout); err != nil {
			return err
		}
	}

	return nil
}

func printListing(fs filesystem.Filesystem, rec filesystem.Record, id uint64) error {
	if !rec.IsDir() {
		return fmt.Errorf("record %d is not a directory", id)
	}
	entries, err := fs.ListDir(rec)
	if err != nil {
		return fmt.Errorf("failed to list directory for record %d: %w", id, err)
	}

	if jsonFlag {
		blobs := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			blobs = append(blobs, entry.Metadata())
		}
		return printJSON(blobs)
	}

	logrus.Infof("directory listing for record %d:", id)
	for _, entry := range entries {
		fmt.Printf("[%d] - %s\n", entry.FileID(), entry.Name())
	}
	return nil
}

func printRecord(rec filesystem.Record, id uint64) error {
	if jsonFlag {
		logrus.Infof("record %d metadata:", id)
		return printJSON(rec.Metadata())
	}
	fmt.Println(rec.String())
	return nil
}

func printMetadata(fs filesystem.Filesystem) error {
	if jsonFlag {
		meta, err := fs.Metadata()
		if err != nil {
			return err
		}
		return printJSON(meta)
	}
	pretty, err := fs.MetadataPretty()
	if err != nil {
		return err
	}
	fmt.Println(pretty)
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// parseNumber accepts decimal or 0x-prefixed hex.
func parseNumber(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

// Package detect probes a byte window of an evidence image against the
// supported filesystem drivers and returns the matching adapter behind the
// uniform interface.
package detect

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-forensicfs/internal/filesystem"
	"github.com/deploymenttheory/go-forensicfs/internal/filesystem/apfs"
	"github.com/deploymenttheory/go-forensicfs/internal/filesystem/exfat"
	"github.com/deploymenttheory/go-forensicfs/internal/filesystem/extfs"
	"github.com/deploymenttheory/go-forensicfs/internal/filesystem/ntfs"
	"github.com/deploymenttheory/go-forensicfs/internal/image"
)

// Detect tries drivers in a fixed order: Extended, APFS, exFAT, NT. Each
// probe gets a fresh window so a failed probe leaks no cursor state into
// the next. The first driver that constructs successfully wins; APFS
// additionally requires at least one volume to validate.
func Detect(body *image.Body, offset, partitionSize uint64) (filesystem.Filesystem, error) {
	probes := []struct {
		name  string
		probe func(*image.Slice) (filesystem.Filesystem, error)
	}{
		{"extfs", func(s *image.Slice) (filesystem.Filesystem, error) {
			return extfs.NewAdapter(s)
		}},
		{"apfs", func(s *image.Slice) (filesystem.Filesystem, error) {
			container, err := apfs.OpenContainer(s)
			if err != nil {
				return nil, err
			}
			return apfs.NewAdapter(container)
		}},
		{"exfat", func(s *image.Slice) (filesystem.Filesystem, error) {
			return exfat.NewAdapter(s)
		}},
		{"ntfs", func(s *image.Slice) (filesystem.Filesystem, error) {
			return ntfs.NewAdapter(s)
		}},
	}

	for _, p := range probes {
		slice, err := image.NewSlice(body, offset, partitionSize)
		if err != nil {
			return nil, fmt.Errorf("could not create byte window: %w", err)
		}

		fs, err := p.probe(slice)
		if err != nil {
			logrus.Debugf("detect: %s probe failed at offset %d: %v", p.name, offset, err)
			continue
		}

		logrus.Infof("detected %s at offset %d", fs.Kind(), offset)
		return fs, nil
	}

	return nil, fmt.Errorf("no supported filesystem detected at offset %d", offset)
}

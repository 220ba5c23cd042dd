package filesystem

import (
	"github.com/sirupsen/logrus"
)

// Walk performs a breadth-first traversal over the uniform interface,
// producing a normalized record per reachable identifier. Per-node failures
// are skipped so one unreadable record does not abort the walk. Adapters
// implementing Walker (the APFS adapter and its per-volume path prefixes)
// are walked through their own traversal instead.
func Walk(fs Filesystem) ([]*File, error) {
	if walker, ok := fs.(Walker); ok {
		var out []*File
		err := walker.WalkFiles(func(f *File) {
			out = append(out, f)
		})
		return out, err
	}

	var out []*File
	err := walk(fs, func(f *File) {
		out = append(out, f)
	})
	return out, err
}

type walkItem struct {
	id   uint64
	path string
}

func walk(fs Filesystem, fn func(*File)) error {
	sep := fs.PathSeparator()
	visited := make(map[uint64]struct{})
	queue := []walkItem{{id: fs.RootFileID(), path: sep}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if _, seen := visited[item.id]; seen {
			continue
		}
		visited[item.id] = struct{}{}

		rec, err := fs.GetFile(item.id)
		if err != nil {
			logrus.Debugf("walk: skipping record %d: %v", item.id, err)
			continue
		}

		fn(fs.RecordToFile(rec, item.id, item.path))

		if !rec.IsDir() {
			continue
		}
		entries, err := fs.ListDir(rec)
		if err != nil {
			logrus.Debugf("walk: skipping children of %d: %v", item.id, err)
			continue
		}
		for _, entry := range entries {
			queue = append(queue, walkItem{
				id:   entry.FileID(),
				path: ChildPath(item.path, entry.Name(), sep),
			})
		}
	}

	return nil
}

// ChildPath appends a leaf name to a parent path without doubling the
// separator at the root.
func ChildPath(parent, name, separator string) string {
	if parent == separator {
		return parent + name
	}
	return parent + separator + name
}

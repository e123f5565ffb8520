package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/elee1766/godefrag/pkg/ntfs/ntfstest"
)

// SimulatePrefix marks a target that names a generated volume instead of a
// path, e.g. "sim:seed=7,clusters=65536,files=300,delay=2ms".
const SimulatePrefix = "sim:"

// Opener turns a session target into a backend.
type Opener func(ctx context.Context, target string) (Backend, error)

// SimOptions describe a generated volume.
type SimOptions struct {
	Seed      int64
	Clusters  uint64
	Files     int
	MoveDelay time.Duration
}

// DefaultSimOptions is used for fields a sim target leaves out.
var DefaultSimOptions = SimOptions{Seed: 1, Clusters: 1 << 16, Files: 256}

// ParseSimTarget parses the key=value list after SimulatePrefix.
func ParseSimTarget(target string) (SimOptions, error) {
	opts := DefaultSimOptions
	rest, ok := strings.CutPrefix(target, SimulatePrefix)
	if !ok {
		return opts, fmt.Errorf("not a simulated target: %q", target)
	}
	for _, kv := range strings.Split(rest, ",") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		var err error
		switch k {
		case "seed":
			opts.Seed, err = strconv.ParseInt(v, 10, 64)
		case "clusters":
			opts.Clusters, err = strconv.ParseUint(v, 10, 64)
		case "files":
			opts.Files, err = strconv.Atoi(v)
		case "delay":
			opts.MoveDelay, err = time.ParseDuration(v)
		default:
			err = errors.New("unknown key")
		}
		if err != nil {
			return opts, fmt.Errorf("sim target %q: %s: %w", target, k, err)
		}
	}
	return opts, nil
}

// OpenSimulated generates a fragmented volume in memory.
func OpenSimulated(opts SimOptions) (*Memory, error) {
	b, err := ntfstest.RandomVolume(opts.Seed, opts.Clusters, opts.Files)
	if err != nil {
		return nil, err
	}
	img, err := b.Build()
	if err != nil {
		return nil, err
	}
	return NewMemory(img, MemoryOptions{MoveDelay: opts.MoveDelay})
}

// NewOpener returns an Opener for sim targets, image files and block
// devices. Images are opened writable only when writable is set.
func NewOpener(logger *slog.Logger, journal *Journal, writable bool) Opener {
	return func(ctx context.Context, target string) (Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasPrefix(target, SimulatePrefix) {
			opts, err := ParseSimTarget(target)
			if err != nil {
				return nil, err
			}
			return OpenSimulated(opts)
		}
		return OpenImage(target, ImageOptions{Writable: writable, Journal: journal, Logger: logger})
	}
}

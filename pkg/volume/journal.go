package volume

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Intent is a move that was started but not yet known to be durable.
type Intent struct {
	Seq    uint64
	From   uint64
	To     uint64
	Length uint64
}

const intentSize = 32

// Journal is a write-ahead log of cluster moves, one key per intent,
// grouped by volume.
type Journal struct {
	db *pebble.DB
	mu sync.Mutex
}

// OpenJournal opens or creates the journal database under dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	opts := &pebble.Options{
		// intents are tiny and short lived
		MemTableSize: 4 << 20,
		DisableWAL:   false,
		Logger:       &silentLogger{},
	}
	db, err := pebble.Open(filepath.Join(dir, "moves.db"), opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Journal{db: db}, nil
}

// silentLogger suppresses Pebble's info logs
type silentLogger struct{}

func (l *silentLogger) Infof(format string, args ...interface{})  {}
func (l *silentLogger) Errorf(format string, args ...interface{}) {}
func (l *silentLogger) Fatalf(format string, args ...interface{}) {}

func (j *Journal) Close() error {
	return j.db.Close()
}

// volumeKey converts a volume path to a short hash prefix.
func volumeKey(volume string) string {
	h := sha256.Sum256([]byte(volume))
	return hex.EncodeToString(h[:8])
}

func prefixFor(volume string) []byte {
	return []byte("mv:" + volumeKey(volume) + ":")
}

func intentKey(volume string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(prefixFor(volume), seq)
}

func encodeIntent(in Intent) []byte {
	buf := make([]byte, intentSize)
	binary.LittleEndian.PutUint64(buf[0:], in.Seq)
	binary.LittleEndian.PutUint64(buf[8:], in.From)
	binary.LittleEndian.PutUint64(buf[16:], in.To)
	binary.LittleEndian.PutUint64(buf[24:], in.Length)
	return buf
}

func decodeIntent(data []byte) (Intent, error) {
	if len(data) != intentSize {
		return Intent{}, fmt.Errorf("journal entry of %d bytes, want %d", len(data), intentSize)
	}
	return Intent{
		Seq:    binary.LittleEndian.Uint64(data[0:]),
		From:   binary.LittleEndian.Uint64(data[8:]),
		To:     binary.LittleEndian.Uint64(data[16:]),
		Length: binary.LittleEndian.Uint64(data[24:]),
	}, nil
}

// Begin durably records a move for volume and returns its sequence number.
func (j *Journal) Begin(volume string, from, to, length uint64) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	pending, err := j.pendingLocked(volume)
	if err != nil {
		return 0, err
	}
	var seq uint64 = 1
	if n := len(pending); n > 0 {
		seq = pending[n-1].Seq + 1
	}

	in := Intent{Seq: seq, From: from, To: to, Length: length}
	if err := j.db.Set(intentKey(volume, seq), encodeIntent(in), pebble.Sync); err != nil {
		return 0, fmt.Errorf("record move intent: %w", err)
	}
	return seq, nil
}

// Commit removes a finished move.
func (j *Journal) Commit(volume string, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.db.Delete(intentKey(volume, seq), pebble.Sync); err != nil {
		return fmt.Errorf("commit move %d: %w", seq, err)
	}
	return nil
}

// Pending returns uncommitted moves for volume in the order they began.
func (j *Journal) Pending(volume string) ([]Intent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pendingLocked(volume)
}

func (j *Journal) pendingLocked(volume string) ([]Intent, error) {
	prefix := prefixFor(volume)
	upperBound := make([]byte, len(prefix))
	copy(upperBound, prefix)
	upperBound[len(upperBound)-1]++

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Intent
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		in, err := decodeIntent(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("key %x: %w", iter.Key(), err)
		}
		out = append(out, in)
	}
	return out, nil
}

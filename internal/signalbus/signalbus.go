// Package signalbus is the inter-agent coordination channel. Messages are
// appended to signals.jsonl; read state is tracked separately in
// signal-receipts.jsonl so marking a signal read never needs to rewrite
// the signals file itself, avoiding write-write races between concurrent
// writers.
package signalbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Signal is one inter-agent message.
type Signal struct {
	ID              string    `json:"id"`
	Message         string    `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
	WUID            string    `json:"wu_id,omitempty"`
	Class           string    `json:"class,omitempty"`
	Read            bool      `json:"read"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
	Severity        string    `json:"severity,omitempty"`
	DelegationID    string    `json:"delegation_id,omitempty"`
}

// Receipt records that a signal has been consumed.
type Receipt struct {
	SignalID string    `json:"signal_id"`
	ReadAt   time.Time `json:"read_at"`
}

// defaultTTL is used for any class without an explicit entry in Cleanup's
// ttl maps.
const defaultTTL = 30 * 24 * time.Hour

// Bus is a signal bus bound to a signals file and a receipts file.
type Bus struct {
	signalsPath  string
	receiptsPath string
	mu           sync.Mutex
}

// Open binds a Bus to the given paths, creating their parent directory.
func Open(signalsPath, receiptsPath string) (*Bus, error) {
	if err := os.MkdirAll(filepath.Dir(signalsPath), 0o755); err != nil {
		return nil, fmt.Errorf("signalbus: ensure dir: %w", err)
	}
	return &Bus{signalsPath: signalsPath, receiptsPath: receiptsPath}, nil
}

// Append writes a new signal and returns it. Callers populate Message and
// any optional fields (WUID, Class, SuggestedAction, Severity,
// DelegationID); ID and CreatedAt are stamped here.
func (b *Bus) Append(sig Signal) (Signal, error) {
	sig.ID = uuid.New().String()
	sig.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(sig)
	if err != nil {
		return Signal{}, fmt.Errorf("signalbus: encode: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.OpenFile(b.signalsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Signal{}, fmt.Errorf("signalbus: open signals: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Signal{}, fmt.Errorf("signalbus: append: %w", err)
	}
	return sig, nil
}

func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

// LoadSignals returns every signal with Read set to the union of its inline
// flag and any receipt referencing it.
func (b *Bus) LoadSignals() ([]Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	signals, err := readJSONL[Signal](b.signalsPath)
	if err != nil {
		return nil, fmt.Errorf("signalbus: read signals: %w", err)
	}
	receipts, err := readJSONL[Receipt](b.receiptsPath)
	if err != nil {
		return nil, fmt.Errorf("signalbus: read receipts: %w", err)
	}
	receiptedIDs := map[string]bool{}
	for _, r := range receipts {
		receiptedIDs[r.SignalID] = true
	}
	for i := range signals {
		if receiptedIDs[signals[i].ID] {
			signals[i].Read = true
		}
	}
	return signals, nil
}

// MarkAsRead appends a receipt for each id that does not already have one,
// and returns how many new receipts were written. Idempotent: a second
// call with the same ids writes nothing and reports 0.
func (b *Bus) MarkAsRead(ids []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := readJSONL[Receipt](b.receiptsPath)
	if err != nil {
		return 0, fmt.Errorf("signalbus: read receipts: %w", err)
	}
	already := map[string]bool{}
	for _, r := range existing {
		already[r.SignalID] = true
	}

	var toWrite []Receipt
	now := time.Now().UTC()
	for _, id := range ids {
		if already[id] {
			continue
		}
		already[id] = true
		toWrite = append(toWrite, Receipt{SignalID: id, ReadAt: now})
	}
	if len(toWrite) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(b.receiptsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("signalbus: open receipts: %w", err)
	}
	defer f.Close()
	for _, r := range toWrite {
		data, err := json.Marshal(r)
		if err != nil {
			return 0, fmt.Errorf("signalbus: encode receipt: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return 0, fmt.Errorf("signalbus: append receipt: %w", err)
		}
	}
	return len(toWrite), nil
}

// Cleanup removes signals older than their class's TTL and prunes receipts
// that no longer reference a surviving signal. ttlUnread/ttlRead key by
// Signal.Class; a missing class falls back to defaultTTL.
func (b *Bus) Cleanup(now time.Time, ttlUnread, ttlRead map[string]time.Duration) error {
	signals, err := b.LoadSignals()
	if err != nil {
		return err
	}

	var kept []Signal
	keptIDs := map[string]bool{}
	for _, sig := range signals {
		ttlMap := ttlUnread
		if sig.Read {
			ttlMap = ttlRead
		}
		ttl, ok := ttlMap[sig.Class]
		if !ok {
			ttl = defaultTTL
		}
		if now.Sub(sig.CreatedAt) < ttl {
			kept = append(kept, sig)
			keptIDs[sig.ID] = true
		}
	}

	receipts, err := readJSONL[Receipt](b.receiptsPath)
	if err != nil {
		return fmt.Errorf("signalbus: read receipts: %w", err)
	}
	var keptReceipts []Receipt
	for _, r := range receipts {
		if keptIDs[r.SignalID] {
			keptReceipts = append(keptReceipts, r)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := writeJSONL(b.signalsPath, kept); err != nil {
		return err
	}
	return writeJSONL(b.receiptsPath, keptReceipts)
}

func writeJSONL[T any](path string, items []T) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("signalbus: open %s: %w", tmp, err)
	}
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			f.Close()
			return fmt.Errorf("signalbus: encode: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("signalbus: write: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

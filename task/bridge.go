package task

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	codec "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/taskline/taskline/logrecord"
)

// processProofOfStartTimeout bounds how long a process-mode dispatch
// waits on the bridge for a "run" record before declaring the worker
// crashed during setup.
const processProofOfStartTimeout = 10 * time.Second

// wireRecord is logrecord.Record's cross-process shape: timestamps
// travel as Unix nanoseconds rather than relying on the codec's time
// extension, keeping the wire format a single, simple msgpack map.
type wireRecord struct {
	TaskName      string
	Action        string
	StartUnixNano int64
	EndUnixNano   int64
	Message       string
}

func toWire(r logrecord.Record) wireRecord {
	return wireRecord{
		TaskName:      r.TaskName,
		Action:        string(r.Action),
		StartUnixNano: r.Start.UnixNano(),
		EndUnixNano:   r.End.UnixNano(),
		Message:       r.Message,
	}
}

func (w wireRecord) toRecord() logrecord.Record {
	start := time.Unix(0, w.StartUnixNano)
	end := time.Unix(0, w.EndUnixNano)
	return logrecord.Record{
		TaskName: w.TaskName,
		Action:   logrecord.Action(w.Action),
		Start:    start,
		End:      end,
		Runtime:  end.Sub(start),
		Message:  w.Message,
	}
}

// writeRecord msgpack-encodes rec and writes it to w as a 4-byte
// big-endian length prefix followed by the payload, so readRecords can
// frame records out of a byte stream that may interleave writes from
// more than one Append call.
func writeRecord(w io.Writer, rec logrecord.Record) error {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(toWire(rec)); err != nil {
		return fmt.Errorf("task: encode bridge record: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(buf.Len()))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("task: write bridge frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("task: write bridge frame payload: %w", err)
	}
	return nil
}

// readRecord decodes a length-prefixed msgpack record from r.
func readRecord(r io.Reader) (logrecord.Record, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return logrecord.Record{}, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return logrecord.Record{}, fmt.Errorf("task: read bridge frame payload: %w", err)
	}

	var wire wireRecord
	dec := codec.NewDecoder(bytes.NewReader(payload), &codec.MsgpackHandle{})
	if err := dec.Decode(&wire); err != nil {
		return logrecord.Record{}, fmt.Errorf("task: decode bridge record: %w", err)
	}
	return wire.toRecord(), nil
}

// Bridge multiplexes the log records a single worker process emits
// back to its parent over an os.Pipe, read off the pipe by a
// background goroutine and delivered on a channel so the dispatcher
// never blocks a syscall read directly. One Bridge serves exactly one
// dispatched process; the scheduler layer that owns many tasks drains
// each task's own Bridge rather than sharing one queue across tasks —
// the spec guarantees no cross-task ordering, so per-task bridges are
// an observably equivalent, simpler substitute for one shared queue.
type Bridge struct {
	reader  *os.File
	writer  *os.File
	records chan logrecord.Record
	readErr chan error
}

// newBridge opens the pipe and starts the draining goroutine.
func newBridge() (*Bridge, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("task: open bridge pipe: %w", err)
	}
	b := &Bridge{
		reader:  r,
		writer:  w,
		records: make(chan logrecord.Record, 32),
		readErr: make(chan error, 1),
	}
	go b.drainLoop()
	return b, nil
}

func (b *Bridge) drainLoop() {
	defer close(b.records)
	for {
		rec, err := readRecord(b.reader)
		if err != nil {
			if err != io.EOF {
				b.readErr <- err
			}
			return
		}
		b.records <- rec
	}
}

// writerEnd returns the *os.File the child process should inherit and
// write framed records to.
func (b *Bridge) writerEnd() *os.File { return b.writer }

// closeWriter closes the parent's reference to the write end once the
// child has inherited it, so EOF on the read end actually signals
// "child exited" rather than "parent is still holding it open".
func (b *Bridge) closeWriter() error { return b.writer.Close() }

// close releases both ends of the pipe.
func (b *Bridge) close() {
	b.reader.Close()
	b.writer.Close()
}

// drainUntilRun blocks until the first record arrives (normally "run",
// but any record is accepted as proof of start), the timeout elapses,
// or the channel closes (child exited without ever producing one). It reports which case occurred so the caller can
// distinguish a normal start from a setup crash.
func (b *Bridge) drainUntilRun(timeout time.Duration) (logrecord.Record, error) {
	deadline := time.After(timeout)
	for {
		select {
		case rec, ok := <-b.records:
			if !ok {
				select {
				case err := <-b.readErr:
					return logrecord.Record{}, fmt.Errorf("task: bridge closed: %w", err)
				default:
					return logrecord.Record{}, fmt.Errorf("task: bridge closed before any record arrived")
				}
			}
			// A terminal record arriving before "run" (e.g. the body
			// failed instantly) still counts as proof of start.
			return rec, nil
		case <-deadline:
			return logrecord.Record{}, fmt.Errorf("task: timed out after %s waiting for proof of start", timeout)
		}
	}
}


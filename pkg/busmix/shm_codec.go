package busmix

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Shared memory layout, version 1, little-endian:
//
//	u32 version
//	u64 generation
//	u64 publish timestamp (unix ms)
//	12 reserved bytes
//	u32 bus count, then per bus:
//	    u8 name length, name bytes, u32 id, f32 volume, u8 muted
//	u32 app count, then per app:
//	    u8 name length, name bytes, u8 bus name length, bus name bytes, u8 active
const (
	shmLayoutVersion = 1
	shmRegionSize    = 64 * 1024
	shmHeaderSize    = 4 + 8 + 8 + 12
)

// encodeSnapshot serializes a snapshot into buf in one sequential pass and
// returns the number of bytes written. A snapshot that would not fit fails
// with ErrSnapshotOverflow before anything past the region is touched;
// nothing is ever truncated.
func encodeSnapshot(buf []byte, snap Snapshot, now time.Time) (int, error) {
	w := shmWriter{buf: buf}

	w.u32(shmLayoutVersion)
	w.u64(snap.Generation)
	w.u64(uint64(now.UnixMilli()))
	w.skip(12)

	w.u32(uint32(len(snap.Buses)))
	for name, bus := range snap.Buses {
		w.str(name)
		w.u32(bus.ID)
		w.f32(bus.Volume)
		w.flag(bus.Muted)
	}

	w.u32(uint32(len(snap.Apps)))
	for name, app := range snap.Apps {
		w.str(name)
		w.str(app.CurrentBus)
		w.flag(app.Active)
	}

	if w.overflow {
		return 0, fmt.Errorf("%w: %d buses, %d apps", ErrSnapshotOverflow,
			len(snap.Buses), len(snap.Apps))
	}

	return w.offset, nil
}

// DecodeSnapshot parses a serialized snapshot region. Consumers read the
// region without any handshake, so a torn read surfaces as a decode error
// here rather than a crash.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	r := shmReader{buf: data}

	version := r.u32()
	if r.err == nil && version != shmLayoutVersion {
		return nil, fmt.Errorf("unsupported snapshot layout version %d", version)
	}

	snap := &Snapshot{
		Generation: r.u64(),
		Buses:      map[string]BusInfo{},
		Apps:       map[string]AppInfo{},
	}
	r.u64() // publish timestamp
	r.skip(12)

	busCount := r.u32()
	for i := uint32(0); i < busCount && r.err == nil; i++ {
		name := r.str()
		snap.Buses[name] = BusInfo{
			Name:   name,
			ID:     r.u32(),
			Volume: r.f32(),
			Muted:  r.flag(),
		}
	}

	appCount := r.u32()
	for i := uint32(0); i < appCount && r.err == nil; i++ {
		name := r.str()
		snap.Apps[name] = AppInfo{
			DisplayName: name,
			CurrentBus:  r.str(),
			Active:      r.flag(),
		}
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", r.err)
	}

	return snap, nil
}

type shmWriter struct {
	buf      []byte
	offset   int
	overflow bool
}

func (w *shmWriter) fits(n int) bool {
	if w.overflow || w.offset+n > len(w.buf) {
		w.overflow = true
		return false
	}
	return true
}

func (w *shmWriter) u32(v uint32) {
	if w.fits(4) {
		binary.LittleEndian.PutUint32(w.buf[w.offset:], v)
		w.offset += 4
	}
}

func (w *shmWriter) u64(v uint64) {
	if w.fits(8) {
		binary.LittleEndian.PutUint64(w.buf[w.offset:], v)
		w.offset += 8
	}
}

func (w *shmWriter) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *shmWriter) flag(v bool) {
	if w.fits(1) {
		if v {
			w.buf[w.offset] = 1
		} else {
			w.buf[w.offset] = 0
		}
		w.offset++
	}
}

func (w *shmWriter) str(s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	if w.fits(1 + len(s)) {
		w.buf[w.offset] = byte(len(s))
		w.offset++
		copy(w.buf[w.offset:], s)
		w.offset += len(s)
	}
}

func (w *shmWriter) skip(n int) {
	if w.fits(n) {
		for i := 0; i < n; i++ {
			w.buf[w.offset+i] = 0
		}
		w.offset += n
	}
}

type shmReader struct {
	buf    []byte
	offset int
	err    error
}

func (r *shmReader) ensure(n int) bool {
	if r.err != nil {
		return false
	}
	if r.offset+n > len(r.buf) {
		r.err = fmt.Errorf("truncated region at offset %d", r.offset)
		return false
	}
	return true
}

func (r *shmReader) u32() uint32 {
	if !r.ensure(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}

func (r *shmReader) u64() uint64 {
	if !r.ensure(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return v
}

func (r *shmReader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *shmReader) flag() bool {
	if !r.ensure(1) {
		return false
	}
	v := r.buf[r.offset] == 1
	r.offset++
	return v
}

func (r *shmReader) str() string {
	if !r.ensure(1) {
		return ""
	}
	n := int(r.buf[r.offset])
	r.offset++
	if !r.ensure(n) {
		return ""
	}
	s := string(r.buf[r.offset : r.offset+n])
	r.offset += n
	return s
}

func (r *shmReader) skip(n int) {
	if r.ensure(n) {
		r.offset += n
	}
}

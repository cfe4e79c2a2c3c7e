package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"nearshare/models"
)

const (
	// DefaultChunkSize is the per-chunk payload size before base64 framing.
	DefaultChunkSize = 32 * 1024
	// DefaultStallTimeout fails an inbound transfer with no chunk activity.
	DefaultStallTimeout = 30 * time.Second
)

// Link is the slice of the peer connection layer the engine sends through.
type Link interface {
	Send(peerID string, payload []byte) error
	CanSend(peerID string) bool
	WaitForDrain(ctx context.Context, peerID string) error
	Connected(peerID string) bool
}

// Options configures a transfer engine.
type Options struct {
	DeviceID   string
	DeviceName string

	Link Link

	ChunkSize    int
	StallTimeout time.Duration
	DownloadDir  string

	// NewTransferID generates transfer IDs. Defaults to random UUIDs.
	NewTransferID func() string

	// OnProgress observes every transfer state change, inbound and outbound.
	OnProgress func(models.FileTransfer)
	// OnFileReceived fires once per completed inbound file with its final path.
	OnFileReceived func(transfer models.FileTransfer, path string)
}

func (o *Options) withDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.NewTransferID == nil {
		o.NewTransferID = uuid.NewString
	}
}

// Engine moves files over established peer channels.
//
// Outbound files are split into fixed-size chunks sent under backpressure;
// inbound chunks may arrive in any order and are reassembled into a .part
// file that is verified and renamed on completion. Progress is monotonic
// and reaches exactly 100 only on success.
type Engine struct {
	opts Options

	mu       sync.Mutex
	outbound map[string]*outboundTransfer
	inbound  map[string]*inboundTransfer

	errors chan error
}

type outboundTransfer struct {
	record models.FileTransfer
	peerID string

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

func (t *outboundTransfer) abort(err error) {
	t.abortOnce.Do(func() {
		t.abortErr = err
		close(t.aborted)
	})
}

type inboundTransfer struct {
	record models.FileTransfer
	peerID string
	asm    *assembler
	stall  *time.Timer
}

// NewEngine creates a transfer engine sending through link.
func NewEngine(opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		opts:     opts,
		outbound: make(map[string]*outboundTransfer),
		inbound:  make(map[string]*inboundTransfer),
		errors:   make(chan error, 16),
	}
}

// Errors surfaces background receive-side failures.
func (e *Engine) Errors() <-chan error {
	return e.errors
}

// Transfers returns a snapshot of every transfer the engine has in flight.
func (e *Engine) Transfers() []models.FileTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	transfers := make([]models.FileTransfer, 0, len(e.outbound)+len(e.inbound))
	for _, t := range e.outbound {
		transfers = append(transfers, t.record)
	}
	for _, t := range e.inbound {
		transfers = append(transfers, t.record)
	}
	return transfers
}

// SendFile streams the file at path to a connected peer and blocks until the
// transfer reaches a terminal state. The returned record carries the final
// status even when err is non-nil.
func (e *Engine) SendFile(ctx context.Context, peerID, path string) (models.FileTransfer, error) {
	if !e.opts.Link.Connected(peerID) {
		return models.FileTransfer{}, fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	file, err := os.Open(path)
	if err != nil {
		return models.FileTransfer{}, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return models.FileTransfer{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return models.FileTransfer{}, fmt.Errorf("transfer: %s is a directory", path)
	}

	checksum, err := FileChecksum(path)
	if err != nil {
		return models.FileTransfer{}, err
	}

	header := Header{
		Type:        TypeHeader,
		TransferID:  e.opts.NewTransferID(),
		FileName:    filepath.Base(path),
		FileSize:    info.Size(),
		ChunkSize:   e.opts.ChunkSize,
		TotalChunks: ChunkCount(info.Size(), e.opts.ChunkSize),
		Checksum:    checksum,
		SenderName:  e.opts.DeviceName,
	}

	out := &outboundTransfer{
		record: models.FileTransfer{
			ID:         header.TransferID,
			FileName:   header.FileName,
			FileSize:   header.FileSize,
			FromDevice: e.opts.DeviceID,
			ToDevice:   peerID,
			Status:     models.TransferTransferring,
			StartedAt:  time.Now().Unix(),
		},
		peerID:  peerID,
		aborted: make(chan struct{}),
	}
	e.mu.Lock()
	e.outbound[header.TransferID] = out
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.outbound, header.TransferID)
		e.mu.Unlock()
	}()

	record, err := e.sendChunks(ctx, file, header, out)
	if err != nil {
		return record, err
	}
	return record, nil
}

func (e *Engine) sendChunks(ctx context.Context, file *os.File, header Header, out *outboundTransfer) (models.FileTransfer, error) {
	started := time.Now()
	e.emitOutbound(out)

	raw, err := json.Marshal(header)
	if err != nil {
		return e.finishOutbound(out, models.TransferFailed), fmt.Errorf("marshal header: %w", err)
	}
	if err := e.sendFrame(ctx, out, raw); err != nil {
		return e.finishOutbound(out, models.TransferFailed), err
	}

	for sequence := 0; sequence < header.TotalChunks; sequence++ {
		select {
		case <-ctx.Done():
			e.sendCancelFrame(out.peerID, header.TransferID, "sender context cancelled")
			return e.finishOutbound(out, models.TransferCancelled), ctx.Err()
		case <-out.aborted:
			err := out.abortErr
			if errors.Is(err, ErrTransferCancelled) {
				e.sendCancelFrame(out.peerID, header.TransferID, "cancelled by sender")
			}
			return e.finishOutbound(out, statusForAbort(err)), err
		default:
		}

		data, err := readChunk(file, header.FileSize, header.ChunkSize, sequence)
		if err != nil {
			return e.finishOutbound(out, models.TransferFailed), err
		}
		chunk := Chunk{
			Type:       TypeChunk,
			TransferID: header.TransferID,
			Sequence:   sequence,
			Data:       base64.StdEncoding.EncodeToString(data),
			Final:      sequence == header.TotalChunks-1,
		}
		raw, err := json.Marshal(chunk)
		if err != nil {
			return e.finishOutbound(out, models.TransferFailed), fmt.Errorf("marshal chunk: %w", err)
		}
		if err := e.sendFrame(ctx, out, raw); err != nil {
			return e.finishOutbound(out, models.TransferFailed), err
		}

		e.mu.Lock()
		out.record.BytesTransferred += int64(len(data))
		elapsed := time.Since(started).Seconds()
		if elapsed > 0 {
			out.record.BytesPerSecond = float64(out.record.BytesTransferred) / elapsed
			if out.record.BytesPerSecond > 0 {
				remaining := out.record.FileSize - out.record.BytesTransferred
				out.record.ETASeconds = float64(remaining) / out.record.BytesPerSecond
			}
		}
		if out.record.FileSize > 0 {
			// 100 is reserved for the terminal completed state.
			progress := float64(out.record.BytesTransferred) / float64(out.record.FileSize) * 100
			if progress >= 100 {
				progress = 99.9
			}
			out.record.Progress = progress
		}
		e.mu.Unlock()
		e.emitOutbound(out)
	}

	return e.finishOutbound(out, models.TransferCompleted), nil
}

// sendFrame applies backpressure before handing a frame to the link.
func (e *Engine) sendFrame(ctx context.Context, out *outboundTransfer, raw []byte) error {
	if !e.opts.Link.CanSend(out.peerID) {
		if err := e.opts.Link.WaitForDrain(ctx, out.peerID); err != nil {
			return err
		}
	}
	return e.opts.Link.Send(out.peerID, raw)
}

func (e *Engine) sendCancelFrame(peerID, transferID, reason string) {
	raw, err := json.Marshal(Cancel{Type: TypeCancel, TransferID: transferID, Reason: reason})
	if err != nil {
		return
	}
	_ = e.opts.Link.Send(peerID, raw)
}

func statusForAbort(err error) models.TransferStatus {
	if errors.Is(err, ErrTransferCancelled) {
		return models.TransferCancelled
	}
	return models.TransferFailed
}

func (e *Engine) finishOutbound(out *outboundTransfer, status models.TransferStatus) models.FileTransfer {
	e.mu.Lock()
	out.record.Status = status
	if status == models.TransferCompleted {
		out.record.Progress = 100
		out.record.ETASeconds = 0
	}
	record := out.record
	e.mu.Unlock()

	if e.opts.OnProgress != nil {
		e.opts.OnProgress(record)
	}
	return record
}

func (e *Engine) emitOutbound(out *outboundTransfer) {
	e.mu.Lock()
	record := out.record
	e.mu.Unlock()
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(record)
	}
}

// Cancel aborts an in-flight transfer in either direction.
func (e *Engine) Cancel(transferID string) error {
	e.mu.Lock()
	if out, ok := e.outbound[transferID]; ok {
		e.mu.Unlock()
		out.abort(ErrTransferCancelled)
		return nil
	}
	in, ok := e.inbound[transferID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	delete(e.inbound, transferID)
	e.mu.Unlock()

	e.sendCancelFrame(in.peerID, transferID, "cancelled by receiver")
	e.failInbound(in, models.TransferCancelled)
	return nil
}

// HandleMessage ingests one raw frame from a peer channel.
func (e *Engine) HandleMessage(peerID string, raw []byte) error {
	msgType, err := MessageType(raw)
	if err != nil {
		return err
	}
	switch msgType {
	case TypeHeader:
		header, err := decodeHeader(raw)
		if err != nil {
			return err
		}
		return e.handleHeader(peerID, header)
	case TypeChunk:
		chunk, err := decodeChunk(raw)
		if err != nil {
			return err
		}
		return e.handleChunk(peerID, chunk)
	case TypeCancel:
		cancel, err := decodeCancel(raw)
		if err != nil {
			return err
		}
		e.handleCancel(peerID, cancel)
		return nil
	}
	// Unknown frame types are not the engine's to judge.
	return nil
}

// HandlePeerDisconnected fails every in-flight transfer with the peer.
func (e *Engine) HandlePeerDisconnected(peerID string) {
	e.mu.Lock()
	var outs []*outboundTransfer
	var ins []*inboundTransfer
	for _, out := range e.outbound {
		if out.peerID == peerID {
			outs = append(outs, out)
		}
	}
	for id, in := range e.inbound {
		if in.peerID == peerID {
			ins = append(ins, in)
			delete(e.inbound, id)
		}
	}
	e.mu.Unlock()

	for _, out := range outs {
		out.abort(fmt.Errorf("%w: %s disconnected", ErrPeerNotConnected, peerID))
	}
	for _, in := range ins {
		e.failInbound(in, models.TransferFailed)
	}
}

func (e *Engine) handleHeader(peerID string, header Header) error {
	asm, err := newAssembler(header, e.opts.DownloadDir)
	if err != nil {
		return err
	}

	in := &inboundTransfer{
		record: models.FileTransfer{
			ID:         header.TransferID,
			FileName:   sanitizeFileName(header.FileName),
			FileSize:   header.FileSize,
			FromDevice: peerID,
			ToDevice:   e.opts.DeviceID,
			Status:     models.TransferTransferring,
			StartedAt:  time.Now().Unix(),
		},
		peerID: peerID,
		asm:    asm,
	}

	e.mu.Lock()
	if _, dup := e.inbound[header.TransferID]; dup {
		e.mu.Unlock()
		asm.discard()
		return nil
	}
	e.inbound[header.TransferID] = in
	e.mu.Unlock()

	e.emitInbound(in)

	if asm.complete() {
		return e.completeInbound(in)
	}

	in.stall = time.AfterFunc(e.opts.StallTimeout, func() { e.stalled(header.TransferID) })
	return nil
}

func (e *Engine) handleChunk(peerID string, chunk Chunk) error {
	e.mu.Lock()
	in := e.inbound[chunk.TransferID]
	if in == nil || in.peerID != peerID {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %v", ErrInvalidMessage, chunk.Sequence, err)
	}

	added, err := in.asm.write(chunk.Sequence, data)
	if err != nil {
		e.removeInbound(chunk.TransferID)
		e.failInbound(in, models.TransferFailed)
		return err
	}
	if in.stall != nil {
		in.stall.Reset(e.opts.StallTimeout)
	}
	if !added {
		return nil
	}

	e.mu.Lock()
	in.record.BytesTransferred = in.asm.bytes
	if in.record.FileSize > 0 {
		// 100 is reserved for the terminal completed state.
		progress := float64(in.record.BytesTransferred) / float64(in.record.FileSize) * 100
		if progress >= 100 {
			progress = 99.9
		}
		in.record.Progress = progress
	}
	elapsed := time.Since(time.Unix(in.record.StartedAt, 0)).Seconds()
	if elapsed > 0 {
		in.record.BytesPerSecond = float64(in.record.BytesTransferred) / elapsed
	}
	e.mu.Unlock()
	e.emitInbound(in)

	if in.asm.complete() {
		return e.completeInbound(in)
	}
	return nil
}

func (e *Engine) handleCancel(peerID string, cancel Cancel) {
	e.mu.Lock()
	if out, ok := e.outbound[cancel.TransferID]; ok && out.peerID == peerID {
		e.mu.Unlock()
		out.abort(ErrTransferCancelled)
		return
	}
	in, ok := e.inbound[cancel.TransferID]
	if !ok || in.peerID != peerID {
		e.mu.Unlock()
		return
	}
	delete(e.inbound, cancel.TransferID)
	e.mu.Unlock()

	e.failInbound(in, models.TransferCancelled)
}

func (e *Engine) completeInbound(in *inboundTransfer) error {
	e.removeInbound(in.record.ID)
	if in.stall != nil {
		in.stall.Stop()
	}

	path, err := in.asm.finalize()
	if err != nil {
		in.asm.discard()
		e.mu.Lock()
		in.record.Status = models.TransferFailed
		record := in.record
		e.mu.Unlock()
		if e.opts.OnProgress != nil {
			e.opts.OnProgress(record)
		}
		e.reportError(err)
		return err
	}

	e.mu.Lock()
	in.record.Status = models.TransferCompleted
	in.record.Progress = 100
	in.record.ETASeconds = 0
	record := in.record
	e.mu.Unlock()

	if e.opts.OnProgress != nil {
		e.opts.OnProgress(record)
	}
	if e.opts.OnFileReceived != nil {
		e.opts.OnFileReceived(record, path)
	}
	return nil
}

func (e *Engine) stalled(transferID string) {
	e.mu.Lock()
	in, ok := e.inbound[transferID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.inbound, transferID)
	e.mu.Unlock()

	e.failInbound(in, models.TransferFailed)
	e.reportError(fmt.Errorf("%w: %s", ErrTransferStalled, in.record.FileName))
}

func (e *Engine) failInbound(in *inboundTransfer, status models.TransferStatus) {
	if in.stall != nil {
		in.stall.Stop()
	}
	in.asm.discard()

	e.mu.Lock()
	in.record.Status = status
	record := in.record
	e.mu.Unlock()

	if e.opts.OnProgress != nil {
		e.opts.OnProgress(record)
	}
}

func (e *Engine) removeInbound(transferID string) {
	e.mu.Lock()
	delete(e.inbound, transferID)
	e.mu.Unlock()
}

func (e *Engine) emitInbound(in *inboundTransfer) {
	e.mu.Lock()
	record := in.record
	e.mu.Unlock()
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(record)
	}
}

func (e *Engine) reportError(err error) {
	select {
	case e.errors <- err:
	default:
	}
}

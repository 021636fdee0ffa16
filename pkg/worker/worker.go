// Package worker drives a face analysis model living in a separate process.
//
// The child is started with `--device <auto|cpu|cuda>`. Requests are written to
// its stdin and answers are read from an extra pipe handed over as FD 3, so the
// child's own stdout can stay free for logging. Every message in both
// directions is a big-endian uint32 length followed by the payload:
//
//	child -> us, once:  {"device":"cuda"}
//	us -> child:        PNG bytes
//	child -> us:        {"skin_color":[r,g,b], ..., "error":""}
//
// Missing color keys decode as undetected.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"MakeupRecommendation/internal/entity"
	"MakeupRecommendation/pkg/pipeline"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

const maxFrameSize = 64 << 20

var (
	ErrFrameTooLarge = errors.New("worker frame exceeds size limit")

	// ErrWorkerBroken is returned when a worker whose stream went out of sync
	// can not be replaced.
	ErrWorkerBroken = errors.New("worker stream is out of sync")
)

type handshake struct {
	Device string `json:"device"`
}

type reply struct {
	entity.DetectedFeatures
	Error string `json:"error,omitempty"`
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type Loader struct {
	command      []string
	startTimeout time.Duration
	log          *logrus.Logger
}

func NewLoader(log *logrus.Logger, command string, startTimeout time.Duration) (*Loader, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("worker command is empty")
	}
	return &Loader{
		command:      parts,
		startTimeout: startTimeout,
		log:          log,
	}, nil
}

// Load starts one child process and waits for its handshake.
func (l *Loader) Load(device pipeline.Device) (pipeline.FacePipeline, string, error) {
	p, resolved, err := l.spawn(device)
	if err != nil {
		return nil, "", err
	}

	if resolved != string(pipeline.DeviceCUDA) {
		if device == pipeline.DeviceCUDA {
			l.log.Warn("CUDA requested but not available, using CPU")
		}
		resolved = string(pipeline.DeviceCPU)
	}

	return p, resolved, nil
}

func (l *Loader) spawn(device pipeline.Device) (*Process, string, error) {
	args := append(append([]string{}, l.command[1:]...), "--device", device.String())
	cmd := exec.Command(l.command[0], args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	r, w, err := os.Pipe()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, "", fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, "", fmt.Errorf("failed to start worker %q: %w", l.command[0], err)
	}
	// Only the child keeps the write end.
	w.Close()

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		data:   r,
		log:    l.log,
		loader: l,
		device: device,
	}

	if l.startTimeout > 0 {
		p.setReadDeadline(time.Now().Add(l.startTimeout))
	}
	hs, err := p.readHandshake()
	if err != nil {
		p.Close()
		return nil, "", err
	}
	p.setReadDeadline(time.Time{})

	l.log.WithFields(logrus.Fields{
		"pid":    cmd.Process.Pid,
		"device": strings.ToLower(hs.Device),
	}).Info("Worker process ready")

	return p, strings.ToLower(hs.Device), nil
}

// Process is one running worker. It handles one request at a time. After a
// transport error the stream is out of sync, so the next Run replaces the
// child with a fresh one.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	data   io.ReadCloser
	log    *logrus.Logger
	broken bool

	loader *Loader
	device pipeline.Device
}

func (p *Process) readHandshake() (handshake, error) {
	payload, err := readFrame(p.data)
	if err != nil {
		return handshake{}, fmt.Errorf("worker handshake failed: %w", err)
	}

	var hs handshake
	if err := jsoniter.Unmarshal(payload, &hs); err != nil {
		return handshake{}, fmt.Errorf("invalid worker handshake: %w", err)
	}
	return hs, nil
}

func (p *Process) Run(ctx context.Context, img image.Image) (entity.DetectedFeatures, error) {
	if err := pipeline.CheckImage(img); err != nil {
		return entity.NoFace, err
	}
	if p.broken {
		if err := p.restart(); err != nil {
			return entity.NoFace, err
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return entity.NoFace, fmt.Errorf("failed to encode image: %w", err)
	}

	deadline, _ := ctx.Deadline()
	p.setReadDeadline(deadline)

	if err := writeFrame(p.stdin, buf.Bytes()); err != nil {
		p.broken = true
		return entity.NoFace, fmt.Errorf("failed to send image to worker: %w", err)
	}

	payload, err := readFrame(p.data)
	if err != nil {
		p.broken = true
		return entity.NoFace, fmt.Errorf("failed to read worker reply: %w", err)
	}

	var resp reply
	if err := jsoniter.Unmarshal(payload, &resp); err != nil {
		return entity.NoFace, fmt.Errorf("invalid worker reply: %w", err)
	}
	if resp.Error != "" {
		return entity.NoFace, fmt.Errorf("worker error: %s", resp.Error)
	}

	return resp.DetectedFeatures, nil
}

// restart kills the out-of-sync child and starts a new one on the same
// device.
func (p *Process) restart() error {
	if p.loader == nil {
		return ErrWorkerBroken
	}

	p.log.WithField("pid", p.pid()).Warn("Worker stream out of sync, restarting worker")
	p.kill()

	fresh, _, err := p.loader.spawn(p.device)
	if err != nil {
		return fmt.Errorf("%w: restart failed: %w", ErrWorkerBroken, err)
	}

	p.cmd, p.stdin, p.data = fresh.cmd, fresh.stdin, fresh.data
	p.broken = false
	return nil
}

func (p *Process) setReadDeadline(t time.Time) {
	d, ok := p.data.(readDeadliner)
	if !ok {
		return
	}
	if err := d.SetReadDeadline(t); err != nil {
		p.log.Debugf("Error setting worker read deadline: %v", err)
	}
}

func (p *Process) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// kill ends the child without waiting for it to finish its current frame.
func (p *Process) kill() {
	p.stdin.Close()
	p.data.Close()

	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil {
		p.log.Debugf("Error killing worker: %v", err)
	}
	if err := p.cmd.Wait(); err != nil {
		p.log.Debugf("Worker exited: %v", err)
	}
}

// Close ends the child by closing its stdin, killing it if it lingers.
func (p *Process) Close() error {
	p.stdin.Close()
	p.data.Close()

	if p.cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		p.log.Warn("Worker did not exit, killing it")
		if err := p.cmd.Process.Kill(); err != nil {
			p.log.Debugf("Error killing worker: %v", err)
		}
		return <-done
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header)
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

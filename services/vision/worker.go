// Package visionsvc runs face detection in an external model worker process.
//
// Messages are msgpack maps framed by a 4 byte big-endian length, one request
// and one response at a time:
//
//	{op: "load", models_path}                 -> {ok, error}
//	{op: "detect", frame, min_score, single}  -> {ok, error, faces}
package visionsvc

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/vision"
)

const maxMessageSize = 16 << 20

var (
	ErrWorkerBroken = errors.New("vision worker connection is broken")
	errTooLarge     = errors.New("message too large")
)

type (
	request struct {
		Op         string     `msgpack:"op"`
		ModelsPath string     `msgpack:"models_path,omitempty"`
		MinScore   float64    `msgpack:"min_score,omitempty"`
		Single     bool       `msgpack:"single,omitempty"`
		Frame      *wireFrame `msgpack:"frame,omitempty"`
	}

	wireFrame struct {
		Width  int    `msgpack:"width"`
		Height int    `msgpack:"height"`
		Format string `msgpack:"format"`
		Data   []byte `msgpack:"data"`
	}

	response struct {
		OK    bool          `msgpack:"ok"`
		Error string        `msgpack:"error,omitempty"`
		Faces []vision.Face `msgpack:"faces"`
	}
)

// Worker is a vision.Detector backed by a model worker speaking the framed msgpack protocol.
type Worker struct {
	conn   io.ReadWriteCloser
	cmd    *exec.Cmd
	logger core.Logger

	mu     sync.Mutex
	broken bool
}

var _ vision.Detector = (*Worker)(nil)

// NewWorker loads the models through conn and returns a ready detector.
func NewWorker(ctx context.Context, conn io.ReadWriteCloser, modelsPath string, logger core.Logger) (*Worker, error) {
	w := &Worker{conn: conn, logger: logger}
	if _, err := w.call(ctx, request{Op: "load", ModelsPath: modelsPath}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "loading models")
	}
	return w, nil
}

// StartWorker spawns conf.WorkerCmd and talks to it over its stdin & stdout.
func StartWorker(ctx context.Context, conf core.VisionConfig, logger core.Logger) (*Worker, error) {
	args := strings.Fields(conf.WorkerCmd)
	if len(args) == 0 {
		return nil, errors.New("vision worker command is not configured")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", args[0])
	}
	go logStderr(stderr, logger)

	w, err := NewWorker(ctx, &pipeConn{Reader: stdout, WriteCloser: stdin}, conf.ModelsPath, logger)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	w.cmd = cmd
	logger.Info(fmt.Sprintf("vision worker started (pid %d)", cmd.Process.Pid))
	return w, nil
}

func (w *Worker) DetectFaces(ctx context.Context, frame vision.Frame, minScore float64) ([]vision.Face, error) {
	resp, err := w.call(ctx, request{Op: "detect", Frame: toWire(frame), MinScore: minScore})
	if err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

func (w *Worker) DetectSingleFace(ctx context.Context, frame vision.Frame) (*vision.Face, error) {
	resp, err := w.call(ctx, request{Op: "detect", Frame: toWire(frame), Single: true})
	if err != nil {
		return nil, err
	}
	if len(resp.Faces) == 0 {
		return nil, nil
	}
	best := resp.Faces[0]
	for _, f := range resp.Faces[1:] {
		if f.Score > best.Score {
			best = f
		}
	}
	return &best, nil
}

// Close stops the worker: closing its stdin asks it to exit.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broken = true
	err := w.conn.Close()
	if w.cmd != nil {
		if werr := w.cmd.Wait(); werr != nil && err == nil {
			err = errors.Wrap(werr, "waiting for vision worker")
		}
	}
	return err
}

// call sends req and waits for its response. A call abandoned because ctx is
// done leaves the stream mid-message, so the worker is marked broken.
func (w *Worker) call(ctx context.Context, req request) (response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return response{}, ErrWorkerBroken
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		if res.err = writeMessage(w.conn, req); res.err == nil {
			res.err = readMessage(w.conn, &res.resp)
		}
		done <- res
	}()

	select {
	case <-ctx.Done():
		w.broken = true
		_ = w.conn.Close()
		return response{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			w.broken = true
			return response{}, errors.Wrap(res.err, req.Op)
		}
		if !res.resp.OK {
			return response{}, errors.Errorf("%s: worker error: %s", req.Op, res.resp.Error)
		}
		return res.resp, nil
	}
}

func writeMessage(wr io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	if len(data) > maxMessageSize {
		return errTooLarge
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := wr.Write(buf); err != nil {
		return errors.Wrap(err, "writing message")
	}
	return nil
}

func readMessage(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return errors.Wrap(err, "reading length prefix")
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return errTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return errors.Wrap(err, "reading message")
	}
	return errors.Wrap(msgpack.Unmarshal(data, v), "decoding message")
}

func toWire(f vision.Frame) *wireFrame {
	return &wireFrame{Width: f.Width, Height: f.Height, Format: f.Format, Data: f.Data}
}

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

func logStderr(r io.Reader, logger core.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "ERROR"), strings.Contains(line, "CRITICAL"):
			logger.Error("vision worker: " + line)
		case strings.Contains(line, "WARN"):
			logger.Warn("vision worker: " + line)
		default:
			logger.Debug("vision worker: " + line)
		}
	}
}

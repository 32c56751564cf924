package detector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/handwave/internal/assets"
	"github.com/ayusman/handwave/internal/landmark"
	"github.com/ayusman/handwave/internal/logger"
)

// ScriptName is the worker script looked up by FindScript.
const ScriptName = "mediapipe_service.py"

// DefaultIdleTimeout stops an unused worker process.
const DefaultIdleTimeout = 30 * time.Second

// ErrDetectorClosed is returned by a MediaPipeDetector after Close.
var ErrDetectorClosed = errors.New("mediapipe detector closed")

// MediaPipeOptions configure the worker process.
type MediaPipeOptions struct {
	Config

	// PythonPath defaults to a nearby venv interpreter, then python3.
	PythonPath string
	// ScriptPath defaults to FindScript().
	ScriptPath string
	// ModelPath is the local hand_landmarker.task bundle.
	ModelPath string

	IdleTimeout time.Duration
	Log         *logrus.Entry
}

// MediaPipeDetector implements Detector with a Python MediaPipe worker.
// The process is started on demand and stopped after IdleTimeout without
// use.
type MediaPipeDetector struct {
	opts      MediaPipeOptions
	log       *logrus.Entry
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	stderr    *io.PipeWriter
	mu        sync.Mutex
	started   bool
	closed    bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

func NewMediaPipeDetector(opts MediaPipeOptions) (*MediaPipeDetector, error) {
	if opts.ScriptPath == "" {
		opts.ScriptPath = FindScript()
	}
	if opts.ScriptPath == "" {
		return nil, errors.Errorf("%s not found", ScriptName)
	}
	if opts.ModelPath == "" {
		return nil, errors.New("no hand landmarker model path")
	}
	if opts.PythonPath == "" {
		opts.PythonPath = findVenvPython()
	}
	if opts.PythonPath == "" {
		opts.PythonPath = "python3"
	}
	if opts.MaxHands <= 0 {
		opts.MaxHands = DefaultConfig().MaxHands
	}
	if opts.RunningMode == "" {
		opts.RunningMode = RunningModeImage
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &MediaPipeDetector{
		opts: opts,
		log:  log.WithField("component", "mediapipe"),
	}, nil
}

// Args returns the worker command line after the interpreter.
func (d *MediaPipeDetector) Args() []string {
	return []string{
		d.opts.ScriptPath,
		"--model", d.opts.ModelPath,
		"--num-hands", strconv.Itoa(d.opts.MaxHands),
		"--running-mode", string(d.opts.RunningMode),
		"--min-confidence", strconv.FormatFloat(d.opts.MinConfidence, 'f', -1, 64),
		"--min-tracking-confidence", strconv.FormatFloat(d.opts.MinTrackingConf, 'f', -1, 64),
	}
}

// Start launches the worker if it is not running.
func (d *MediaPipeDetector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureStarted(); err != nil {
		return err
	}
	d.resetIdleTimer()
	return nil
}

// Detect sends frame to the worker as JPEG and decodes its answer.
func (d *MediaPipeDetector) Detect(frame *gocv.Mat) (landmark.Set, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	defer buf.Close()

	if err := writeFrame(d.stdin, buf.GetBytes()); err != nil {
		d.shutdown()
		return nil, err
	}

	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		d.shutdown()
		return nil, errors.Wrap(err, "read response")
	}

	hands, err := decodeResponse(line, d.opts.MaxHands)
	if err != nil {
		return nil, err
	}

	d.lastUsed = time.Now()
	d.resetIdleTimer()

	return hands, nil
}

// Close shuts down the worker process. A closed detector does not start
// the worker again.
func (d *MediaPipeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.shutdown()
}

func (d *MediaPipeDetector) ensureStarted() error {
	if d.closed {
		return ErrDetectorClosed
	}
	if d.started {
		return nil
	}

	cmd := exec.Command(d.opts.PythonPath, d.Args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "create stdout pipe")
	}
	stderr := d.log.WriterLevel(logrus.DebugLevel)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stderr.Close()
		return errors.Wrap(err, "start mediapipe service")
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.stderr = stderr
	d.started = true
	d.lastUsed = time.Now()

	d.log.WithFields(logrus.Fields{
		"pid":       cmd.Process.Pid,
		"max_hands": d.opts.MaxHands,
		"mode":      d.opts.RunningMode,
	}).Info("mediapipe worker started")

	return nil
}

func (d *MediaPipeDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.stderr.Close()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil
	d.stderr = nil

	d.log.WithField("idle", time.Since(d.lastUsed).Round(time.Second)).Info("mediapipe worker stopped")

	return err
}

func (d *MediaPipeDetector) resetIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.opts.IdleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

// MediaPipeFactory returns a Factory that downloads the hand landmarker
// bundle from modelURL through fetcher, stores it under dataDir/models and
// starts a worker on it. Download failures are *assets.LoadError.
func MediaPipeFactory(fetcher *assets.Fetcher, modelURL, dataDir string, opts MediaPipeOptions) Factory {
	return func(ctx context.Context) (Detector, error) {
		log := logger.Component(ctx, "detector")
		if opts.Log == nil {
			opts.Log = log
		}

		body, err := fetcher.Fetch(ctx, modelURL)
		if err != nil {
			return nil, err
		}

		path, err := storeModel(filepath.Join(dataDir, "models"), "hand_landmarker.task", body)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"path": path, "bytes": len(body)}).Info("hand landmarker model ready")

		o := opts
		o.ModelPath = path
		d, err := NewMediaPipeDetector(o)
		if err != nil {
			return nil, err
		}
		if err := d.Start(); err != nil {
			return nil, err
		}
		return d, nil
	}
}

// storeModel writes body to dir/name through a temp file and rename, so a
// running worker never sees a partial file.
func storeModel(dir, name string, body []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "create model dir")
	}
	path := filepath.Join(dir, name)
	if fi, err := os.Stat(path); err == nil && fi.Size() == int64(len(body)) {
		if cur, err := os.ReadFile(path); err == nil && string(cur) == string(body) {
			return path, nil
		}
	}

	tmp, err := os.CreateTemp(dir, name+".*")
	if err != nil {
		return "", errors.Wrap(err, "create temp model")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "write model")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "write model")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrap(err, "install model")
	}
	return path, nil
}

// FindScript looks for the worker script next to the working directory,
// the executable and the user data dir.
func FindScript() string {
	return findFirst(
		filepath.Join("scripts", ScriptName),
		filepath.Join("..", "scripts", ScriptName),
		filepath.Join(execDir(), "scripts", ScriptName),
		filepath.Join(os.Getenv("HOME"), ".handwave", "scripts", ScriptName),
	)
}

func findVenvPython() string {
	return findFirst(
		"venv/bin/python",
		"../venv/bin/python",
		"../../venv/bin/python",
		filepath.Join(execDir(), "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".handwave/venv/bin/python"),
	)
}

func execDir() string {
	p, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(p)
}

func findFirst(candidates ...string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
		return path
	}
	return ""
}

func (d *MediaPipeDetector) String() string {
	return fmt.Sprintf("mediapipe(%s, hands=%d)", filepath.Base(d.opts.ModelPath), d.opts.MaxHands)
}

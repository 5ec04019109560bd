package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	pcm "github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/mattn/go-shellwords"
)

// ExecRecognizer hands each window to an external command as a WAV file and
// reads a JSON result from its stdout:
//
//	{"text": "...", "language": "en", "segments": [{"text": "...", "start_ms": 0, "end_ms": 1200}]}
type ExecRecognizer struct {
	cmd        []string
	sampleRate int
	model      string
}

type execSegment struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

type execResult struct {
	Text     string        `json:"text"`
	Language string        `json:"language"`
	Segments []execSegment `json:"segments"`
}

func NewExecRecognizer(cfg config.STTConfig) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecRecognizer{cmd: args, sampleRate: cfg.SampleRate}, nil
}

// Load checks that the model file exists. The command reads it on every
// invocation.
func (r *ExecRecognizer) Load(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("stat model: %w", err)
		}
	}
	r.model = path
	return nil
}

func (r *ExecRecognizer) Release() error {
	r.model = ""
	return nil
}

func (r *ExecRecognizer) Transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (Result, error) {
	file, err := os.CreateTemp("", "scribe_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWav(file, samples, r.sampleRate); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.model != "" {
		cmdArgs = append(cmdArgs, "--model", r.model)
	}
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.Threads > 0 {
		cmdArgs = append(cmdArgs, "--threads", strconv.Itoa(opts.Threads))
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	start := time.Now()
	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}
	elapsed := time.Since(start)

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	res := Result{Text: resp.Text, DetectedLanguage: resp.Language, InferenceTime: elapsed}
	for _, s := range resp.Segments {
		res.Segments = append(res.Segments, transcript.Segment{
			Text:             s.Text,
			StartMS:          s.StartMS,
			EndMS:            s.EndMS,
			DetectedLanguage: resp.Language,
		})
	}
	return res, nil
}

func writeWav(file *os.File, samples []float32, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           pcm.Float32ToInt16(samples),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

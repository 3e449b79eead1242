package service

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"slides2video/config"

	"github.com/sirupsen/logrus"
)

// Rasterizer turns a PDF into one PNG per page, in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte) ([][]byte, error)
}

// Renderer produces the video clip of one slide narrated by script.
type Renderer interface {
	Render(ctx context.Context, image []byte, script string) ([]byte, error)
}

// Concater joins clips in the given order into one video.
type Concater interface {
	Concat(ctx context.Context, clips [][]byte) ([]byte, error)
}

// MediaTools shells out to the local pdftoppm and ffmpeg binaries.
type MediaTools struct {
	Pdftoppm string
	FFmpeg   string
	DPI      int
	Log      *logrus.Logger
}

func NewMediaTools(cfg config.MediaConfig, log *logrus.Logger) *MediaTools {
	return &MediaTools{Pdftoppm: cfg.Pdftoppm, FFmpeg: cfg.FFmpeg, DPI: cfg.DPI, Log: log}
}

// Check fails when a configured binary cannot be found.
func (m *MediaTools) Check() error {
	for _, bin := range []string{m.Pdftoppm, m.FFmpeg} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s 未找到，请先安装并添加到 PATH: %w", bin, err)
		}
	}
	return nil
}

func (m *MediaTools) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	m.Log.Debugf("执行命令: %s", cmd.String())
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", filepath.Base(name), err, tail(out.String(), 512))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (m *MediaTools) Rasterize(ctx context.Context, pdf []byte) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "slides2video-pdf")
	if err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(in, pdf, 0o644); err != nil {
		return nil, err
	}
	if err := m.run(ctx, m.Pdftoppm, "-r", fmt.Sprint(m.DPI), "-png", in, filepath.Join(dir, "page")); err != nil {
		return nil, err
	}

	// pdftoppm zero-pads page numbers, so lexical order is page order
	files, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	pages := make([][]byte, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		pages = append(pages, b)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}
	return pages, nil
}

// ScriptDuration estimates how long reading script aloud takes, at 150 words
// per minute with a three second floor.
func ScriptDuration(script string) time.Duration {
	words := len(strings.Fields(script))
	secs := math.Max(3, math.Ceil(float64(words)/2.5))
	return time.Duration(secs) * time.Second
}

func (m *MediaTools) Render(ctx context.Context, image []byte, script string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "slides2video-render")
	if err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "slide.png")
	out := filepath.Join(dir, "segment.mp4")
	if err := os.WriteFile(in, image, 0o644); err != nil {
		return nil, err
	}
	secs := fmt.Sprintf("%.0f", ScriptDuration(script).Seconds())
	err = m.run(ctx, m.FFmpeg, "-y",
		"-loop", "1", "-i", in,
		"-f", "lavfi", "-i", "anullsrc=r=44100:cl=stereo",
		"-t", secs,
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264", "-tune", "stillimage", "-pix_fmt", "yuv420p", "-r", "25",
		"-c:a", "aac", "-b:a", "128k",
		"-shortest", out)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

// Concat uses the ffmpeg concat demuxer and re-encodes when stream copy fails.
func (m *MediaTools) Concat(ctx context.Context, clips [][]byte) ([]byte, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	dir, err := os.MkdirTemp("", "slides2video-concat")
	if err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	for i, clip := range clips {
		p := filepath.Join(dir, fmt.Sprintf("clip-%04d.mp4", i))
		if err := os.WriteFile(p, clip, 0o644); err != nil {
			return nil, err
		}
		fmt.Fprintf(&list, "file '%s'\n", p)
	}
	listFile := filepath.Join(dir, "concat_list.txt")
	if err := os.WriteFile(listFile, []byte(list.String()), 0o644); err != nil {
		return nil, fmt.Errorf("写入列表文件失败: %w", err)
	}

	out := filepath.Join(dir, "output.mp4")
	err = m.run(ctx, m.FFmpeg, "-y", "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy", out)
	if err != nil {
		m.Log.Warnf("流复制失败，尝试重新编码: %v", err)
		err = m.run(ctx, m.FFmpeg, "-y", "-f", "concat", "-safe", "0", "-i", listFile,
			"-c:v", "libx264", "-preset", "medium", "-crf", "23",
			"-c:a", "aac", "-b:a", "128k", out)
		if err != nil {
			return nil, fmt.Errorf("视频拼接失败: %w", err)
		}
	}
	return os.ReadFile(out)
}

package stream

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shelfplay/internal/models"
	"shelfplay/internal/session"
)

// DirPrefix is the reserved naming convention for per-session stream
// directories under the streams root. The orphan reclaimer only ever touches
// directories carrying this prefix.
const DirPrefix = "play_"

const (
	hlsSegmentSeconds = 6
	audioBitrate      = "128k"
	playlistName      = "index.m3u8"
)

// Opener builds transcode streams rooted under a configured directory.
type Opener struct {
	root       string
	ffmpegPath string
}

func NewOpener(root, ffmpegPath string) *Opener {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Opener{root: root, ffmpegPath: ffmpegPath}
}

func (o *Opener) OpenStream(sessionID string, item *models.LibraryItem, episodeID string, startTime float64) session.Stream {
	return &Stream{
		id:         sessionID,
		dir:        filepath.Join(o.root, DirPrefix+sessionID),
		ffmpegPath: o.ffmpegPath,
		item:       item,
		episodeID:  episodeID,
		startTime:  startTime,
		done:       make(chan struct{}),
		// ffmpeg reports progress every segment; one log line per 5s is plenty.
		logLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Stream is one live HLS audio transcode. Owned by exactly one playback
// session; Close is safe to call more than once.
type Stream struct {
	id         string
	dir        string
	ffmpegPath string
	item       *models.LibraryItem
	episodeID  string
	startTime  float64

	mu  sync.Mutex
	cmd *exec.Cmd

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	logLimit *rate.Limiter
}

// GeneratePlaylist prepares the stream directory and input manifest ahead of
// the transcode. Multi-file items are concatenated into one HLS timeline.
func (s *Stream) GeneratePlaylist(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating stream dir: %w", err)
	}
	files := s.inputFiles()
	if len(files) == 0 {
		return fmt.Errorf("item %s has no playable audio", s.item.ID)
	}
	if len(files) > 1 {
		var b strings.Builder
		for _, f := range files {
			fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(f.Path, "'", `'\''`))
		}
		if err := os.WriteFile(filepath.Join(s.dir, "concat.txt"), []byte(b.String()), 0644); err != nil {
			return fmt.Errorf("writing concat manifest: %w", err)
		}
	}
	return ctx.Err()
}

// Start launches ffmpeg segmenting the audio into the stream directory. It
// returns once the process is running; playlist entries appear as segments
// are written.
func (s *Stream) Start(ctx context.Context) error {
	args := s.buildArgs()
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("attaching ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	go s.drainProgress(stderr)
	go func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			log.Printf("stream %s: ffmpeg exited: %v", s.id, err)
		}
		close(s.done)
	}()
	return nil
}

// AudioTrack describes the single transcoded track clients play.
func (s *Stream) AudioTrack() models.AudioTrack {
	return models.AudioTrack{
		Index:      0,
		Title:      s.item.PlaybackTitle(s.episodeID),
		Duration:   s.item.PlaybackDuration(s.episodeID),
		ContentURL: "/hls/" + DirPrefix + s.id + "/" + playlistName,
		MimeType:   "application/vnd.apple.mpegurl",
		Codec:      "aac",
	}
}

// Closed is signalled once, when the transcoder has stopped for any reason.
func (s *Stream) Closed() <-chan struct{} {
	return s.done
}

// Close stops the transcoder and removes the stream directory.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()

		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
				log.Printf("stream %s: killing ffmpeg: %v", s.id, err)
			}
			select {
			case <-s.done:
			case <-time.After(5 * time.Second):
				log.Printf("stream %s: ffmpeg did not exit after kill", s.id)
			}
		} else {
			close(s.done)
		}

		if err := os.RemoveAll(s.dir); err != nil {
			s.closeErr = fmt.Errorf("removing stream dir: %w", err)
		}
	})
	return s.closeErr
}

func (s *Stream) inputFiles() []models.AudioFile {
	if s.item.MediaType == models.MediaTypePodcast {
		if ep := s.item.Episode(s.episodeID); ep != nil {
			return []models.AudioFile{ep.AudioFile}
		}
		return nil
	}
	return s.item.AudioFiles
}

func (s *Stream) buildArgs() []string {
	files := s.inputFiles()
	args := []string{"-y", "-nostdin"}
	if s.startTime > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.2f", s.startTime))
	}
	if len(files) > 1 {
		args = append(args, "-f", "concat", "-safe", "0", "-i", filepath.Join(s.dir, "concat.txt"))
	} else {
		args = append(args, "-i", files[0].Path)
	}
	args = append(args,
		"-map", "0:a",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", hlsSegmentSeconds),
		"-hls_list_size", "0",
		"-hls_segment_type", "mpegts",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(s.dir, "segment_%03d.ts"),
		filepath.Join(s.dir, playlistName),
	)
	return args
}

func (s *Stream) drainProgress(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "size=") || strings.Contains(line, "time=") {
			if s.logLimit.Allow() {
				log.Printf("stream %s: %s", s.id, strings.TrimSpace(line))
			}
		}
	}
}

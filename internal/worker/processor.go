package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/djsplit/api/internal/model"
)

// Codec per supported output extension.
var codecs = map[string]string{
	"mp3":  "libmp3lame",
	"m4a":  "aac",
	"wav":  "pcm_s16le",
	"flac": "flac",
}

const (
	defaultAudioBitrate    = "128k"
	downloadReportStep     = 1 << 20 // bytes between progress reports
	defaultUserAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	defaultDownloadName    = "set"
	defaultFileExtension   = "mp3"
	defaultSplitParallel   = 1
	ffmpegOutputTruncateAt = 500
)

// SetProcessor is the reference Processor: plain HTTP download plus ffmpeg
// segment extraction.
type SetProcessor struct {
	client     *http.Client
	ffmpegPath string
	workDir    string
}

func NewSetProcessor(ffmpegPath, workDir string, downloadTimeout time.Duration) *SetProcessor {
	if downloadTimeout <= 0 {
		downloadTimeout = 30 * time.Minute
	}
	return &SetProcessor{
		client:     &http.Client{Timeout: downloadTimeout},
		ffmpegPath: ffmpegPath,
		workDir:    workDir,
	}
}

// Download fetches the set over HTTP into the work directory, reporting
// byte-level progress when the server announces a content length.
func (p *SetProcessor) Download(ctx context.Context, sourceURL string, onProgress DownloadProgressFunc) (string, error) {
	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	outputPath := filepath.Join(p.workDir, downloadFilename(sourceURL, resp.Header.Get("Content-Disposition")))
	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	reader := &progressReader{
		r:          resp.Body,
		total:      resp.ContentLength,
		onProgress: onProgress,
	}
	if _, err := io.Copy(outFile, reader); err != nil {
		os.Remove(outputPath)
		return "", fmt.Errorf("failed to write download: %w", err)
	}

	if onProgress != nil {
		onProgress(1, "Download complete")
	}
	return outputPath, nil
}

// downloadFilename picks a local name from the Content-Disposition header or
// the URL path, defaulting the extension when there is none.
func downloadFilename(sourceURL, contentDisposition string) string {
	filename := defaultDownloadName

	if idx := strings.Index(contentDisposition, "filename="); idx != -1 {
		filename = strings.Trim(contentDisposition[idx+len("filename="):], `"`)
	} else if u, err := url.Parse(sourceURL); err == nil && u.Path != "" {
		if name := filepath.Base(u.Path); name != "" && name != "." && name != "/" {
			filename = name
		}
	}

	filename = sanitizeFilename(filename)
	if !strings.Contains(filename, ".") {
		filename += "." + defaultFileExtension
	}
	return filename
}

type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	reported   int64
	onProgress DownloadProgressFunc
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	pr.read += int64(n)

	if pr.onProgress != nil && pr.read-pr.reported >= downloadReportStep {
		pr.reported = pr.read
		fraction := 0.0
		if pr.total > 0 {
			fraction = float64(pr.read) / float64(pr.total)
		}
		pr.onProgress(fraction, fmt.Sprintf("Downloaded %d bytes", pr.read))
	}
	return n, err
}

// Split cuts the downloaded set into one file per track, running up to
// MaxConcurrentTasks extractions in parallel. The first failure cancels the
// remaining extractions.
func (p *SetProcessor) Split(ctx context.Context, req *SplitRequest, onTrackDone TrackDoneFunc) ([]string, error) {
	codec, ok := codecs[req.FileExtension]
	if !ok {
		return nil, fmt.Errorf("unsupported file extension: %s", req.FileExtension)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}

	parallel := req.MaxConcurrentTasks
	if parallel < 1 {
		parallel = defaultSplitParallel
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracks := req.Tracklist.Tracks
	results := make([]string, len(tracks))
	semaphore := make(chan struct{}, parallel)
	errCh := make(chan error, 1)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)

	for i, track := range tracks {
		wg.Add(1)
		go func(i int, track *model.Track) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-semaphore }()

			outputPath := filepath.Join(req.OutputDir, fmt.Sprintf("%02d - %s - %s.%s",
				track.TrackNumber, sanitizeFilename(track.Artist), sanitizeFilename(track.Name), req.FileExtension))

			if err := p.extract(ctx, req.InputPath, outputPath, track.StartTime, track.EndTime, codec); err != nil {
				select {
				case errCh <- fmt.Errorf("track %d: %w", track.TrackNumber, err):
				default:
				}
				cancel()
				return
			}

			results[i] = outputPath
			mu.Lock()
			completed++
			n := completed
			mu.Unlock()

			if onTrackDone != nil {
				onTrackDone(track, outputPath, n, len(tracks))
			}
		}(i, track)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// extract runs ffmpeg to cut one segment out of the input file.
func (p *SetProcessor) extract(ctx context.Context, inputPath, outputPath, startTime, endTime, codec string) error {
	args := []string{"-y", "-i", inputPath, "-ss", startTime}
	if endTime != "" {
		args = append(args, "-to", endTime)
	}
	args = append(args, "-vn", "-acodec", codec, "-b:a", defaultAudioBitrate, outputPath)

	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out := string(output)
		if len(out) > ffmpegOutputTruncateAt {
			out = out[:ffmpegOutputTruncateAt] + "..."
		}
		return fmt.Errorf("ffmpeg error: %w: %s", err, out)
	}
	return nil
}

var filenameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "-",
)

func sanitizeFilename(name string) string {
	return strings.TrimSpace(filenameReplacer.Replace(name))
}

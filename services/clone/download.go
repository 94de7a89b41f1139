package clone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/basaltdata/basalt/pkg/tar"
	"github.com/basaltdata/basalt/services/download"
	"github.com/basaltdata/basalt/tablet"
)

// downloader copies every file of a remote snapshot directory into a local
// staging directory, using either the per-file or the batch strategy.
type downloader struct {
	store  *tablet.Store
	client *http.Client
	token  string
	cfg    Config
	logger *zap.Logger

	copiedBytes int64
	copyTime    time.Duration
}

func newDownloader(store *tablet.Store, client *http.Client, token string, cfg Config, logger *zap.Logger) *downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &downloader{
		store:  store,
		client: client,
		token:  token,
		cfg:    cfg,
		logger: logger,
	}
}

// isBatchSupported probes whether the peer serves batch downloads.
func (d *downloader) isBatchSupported(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), GetLengthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "http://"+addr+download.FilesBatchPath, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// downloadFiles implements the per-file strategy against the files
// endpoint of the peer at addr: list the remote dir, then HEAD and GET each
// file with an adaptive timeout, header file last.
func (d *downloader) downloadFiles(addr, remoteDir, localDir string) error {
	if err := recreateDir(localDir); err != nil {
		return err
	}

	listURL := d.fileURL(addr, remoteDir+"/")
	var listing string
	err := d.withRetry("list remote files", func() error {
		body, err := d.get(listURL, ListRemoteFileTimeout)
		if err != nil {
			return err
		}
		listing = string(body)
		return nil
	})
	if err != nil {
		return err
	}

	names := splitLines(listing)

	// If the header file is absent the tablet cannot be loaded. To avoid
	// exposing an incomplete staging dir, the header is copied last.
	moveHeaderLast(names)

	start := time.Now()
	var totalSize int64
	for _, name := range names {
		fileURL := d.fileURL(addr, remoteDir+"/"+name)

		var size int64
		err := d.withRetry("get file length", func() error {
			n, err := d.fetchFileSize(fileURL)
			if err != nil {
				return err
			}
			size = n
			return nil
		})
		if err != nil {
			return err
		}

		if d.store.ReachCapacityLimit(size) {
			return fmt.Errorf("%w: path=%s file_size=%d", tablet.ErrCapacityExceeded, d.store.Path(), size)
		}
		totalSize += size

		timeout := d.estimateTimeout(size)
		localFile := filepath.Join(localDir, name)
		d.logger.Info("Downloading file",
			zap.String("url", d.maskToken(fileURL)),
			zap.String("to", localFile),
			zap.Int64("size", size),
			zap.Duration("timeout", timeout))

		err = d.withRetry("download file", func() error {
			return d.downloadFile(fileURL, localFile, size, timeout)
		})
		if err != nil {
			return err
		}
	}

	d.recordCopy(totalSize, len(names), time.Since(start))
	return nil
}

// batchDownloadFiles implements the batch strategy: one listing with sizes,
// then tar streams of greedily packed groups, header file last and alone.
func (d *downloader) batchDownloadFiles(addr, remoteDir, localDir string) error {
	if err := recreateDir(localDir); err != nil {
		return err
	}

	var infos []download.FileInfo
	err := d.withRetry("list remote files v2", func() error {
		list, err := d.listRemoteFilesV2(addr, remoteDir)
		if err != nil {
			return err
		}
		infos = list
		return nil
	})
	if err != nil {
		return err
	}

	moveHeaderLastInfos(infos)

	start := time.Now()
	var totalSize int64
	for _, batch := range packBatches(infos) {
		var batchSize int64
		for _, fi := range batch {
			batchSize += fi.Size
		}
		if d.store.ReachCapacityLimit(batchSize) {
			return fmt.Errorf("%w: path=%s file_size=%d", tablet.ErrCapacityExceeded, d.store.Path(), batchSize)
		}

		err := d.withRetry("batch download files", func() error {
			return d.downloadBatch(addr, remoteDir, localDir, batch)
		})
		if err != nil {
			return err
		}
		totalSize += batchSize
	}

	d.recordCopy(totalSize, len(infos), time.Since(start))
	return nil
}

// packBatches splits the files into download groups bounded by BatchFileNum
// and BatchFileSize. The trailing header file is packed alone whenever the
// current batch already holds something: its arrival is the commit point of
// the transfer, so it must be the last file to land.
func packBatches(infos []download.FileInfo) [][]download.FileInfo {
	var batches [][]download.FileInfo
	total := len(infos)
	for i := 0; i < total; {
		var batch []download.FileInfo
		var batchSize int64
		for j := i; j < total; j++ {
			if len(batch) >= BatchFileNum || batchSize >= BatchFileSize ||
				(j+1 == total && len(batch) > 0 && strings.HasSuffix(infos[j].Name, tablet.HeaderSuffix)) {
				break
			}
			batch = append(batch, infos[j])
			batchSize += infos[j].Size
		}
		batches = append(batches, batch)
		i += len(batch)
	}
	return batches
}

// downloadBatch fetches one group of files as a tar stream and verifies
// every extracted size.
func (d *downloader) downloadBatch(addr, remoteDir, localDir string, batch []download.FileInfo) error {
	names := make([]string, 0, len(batch))
	var batchSize int64
	for _, fi := range batch {
		names = append(names, fi.Name)
		batchSize += fi.Size
	}

	body, err := json.Marshal(download.BatchRequest{Files: names})
	if err != nil {
		return err
	}

	v := url.Values{}
	v.Set("token", d.token)
	v.Set("dir", remoteDir)
	batchURL := "http://" + addr + download.FilesBatchPath + "?" + v.Encode()

	timeout := d.estimateTimeout(batchSize)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, batchURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("batch download status %s from %s", resp.Status, d.maskToken(batchURL))
	}

	if err := tar.Restore(resp.Body, localDir); err != nil {
		return err
	}

	for _, fi := range batch {
		local := filepath.Join(localDir, fi.Name)
		st, err := os.Stat(local)
		if err != nil {
			return fmt.Errorf("batch download missing %s: %w", fi.Name, err)
		}
		if st.Size() != fi.Size {
			return fmt.Errorf("downloaded file size is not equal: file=%s local=%d remote=%d", fi.Name, st.Size(), fi.Size)
		}
		if err := os.Chmod(local, 0600); err != nil {
			return err
		}
	}
	return nil
}

// listRemoteFilesV2 fetches the (name, size) listing of the remote dir.
func (d *downloader) listRemoteFilesV2(addr, remoteDir string) ([]download.FileInfo, error) {
	v := url.Values{}
	v.Set("token", d.token)
	v.Set("dir", remoteDir)
	listURL := "http://" + addr + download.FilesV2Path + "?" + v.Encode()

	body, err := d.get(listURL, ListRemoteFileTimeout)
	if err != nil {
		return nil, err
	}
	var infos []download.FileInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("decode remote file list from %s: %w", d.maskToken(listURL), err)
	}
	return infos, nil
}

// fetchFileSize issues a HEAD request and returns the content length.
func (d *downloader) fetchFileSize(fileURL string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), GetLengthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("head status %s from %s", resp.Status, d.maskToken(fileURL))
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("no content length from %s", d.maskToken(fileURL))
	}
	return resp.ContentLength, nil
}

// downloadFile streams one file to disk and verifies its size.
func (d *downloader) downloadFile(fileURL, localFile string, size int64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status %s from %s", resp.Status, d.maskToken(fileURL))
	}

	f, err := os.OpenFile(localFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if n != size {
		d.logger.Warn("Downloaded file length mismatch",
			zap.String("url", d.maskToken(fileURL)),
			zap.Int64("expected", size),
			zap.Int64("got", n))
		return fmt.Errorf("downloaded file size is not equal: file=%s local=%d remote=%d", localFile, n, size)
	}

	return os.Chmod(localFile, 0600)
}

// get issues a GET bounded by timeout and returns the whole body.
func (d *downloader) get(rawURL string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get status %s from %s", resp.Status, d.maskToken(rawURL))
	}
	return io.ReadAll(resp.Body)
}

// withRetry runs fn up to DownloadFileMaxRetry times with a fixed pause
// between attempts.
func (d *downloader) withRetry(op string, fn func() error) error {
	var err error
	for i := 0; i < DownloadFileMaxRetry; i++ {
		if err = fn(); err == nil {
			return nil
		}
		d.logger.Warn("Transfer operation failed, retrying",
			zap.String("op", op), zap.Int("attempt", i+1), zap.Error(err))
		if i+1 < DownloadFileMaxRetry {
			time.Sleep(time.Second)
		}
	}
	return err
}

// estimateTimeout derives a download deadline from the payload size and the
// configured low speed floor.
func (d *downloader) estimateTimeout(size int64) time.Duration {
	seconds := size / int64(d.cfg.DownloadLowSpeedLimitKBps) / 1024
	timeout := time.Duration(seconds) * time.Second
	if floor := time.Duration(d.cfg.DownloadLowSpeedTime); timeout < floor {
		timeout = floor
	}
	return timeout
}

func (d *downloader) fileURL(addr, path string) string {
	v := url.Values{}
	v.Set("token", d.token)
	v.Set("file", path)
	return "http://" + addr + download.FilesPath + "?" + v.Encode()
}

func (d *downloader) maskToken(s string) string {
	if d.token == "" {
		return s
	}
	return strings.ReplaceAll(s, url.QueryEscape(d.token), "***")
}

func (d *downloader) recordCopy(totalSize int64, files int, elapsed time.Duration) {
	d.copiedBytes = totalSize
	d.copyTime = elapsed

	rate := 0.0
	if ms := elapsed.Milliseconds(); ms > 0 {
		rate = float64(totalSize) / float64(ms) / 1000 // MB/s
	}
	d.logger.Info("Copied snapshot files",
		zap.Int("files", files),
		zap.Int64("total_bytes", totalSize),
		zap.Duration("elapsed", elapsed),
		zap.Float64("rate_mbps", rate))
}

// moveHeaderLast swaps the header file entry to the end of the list. The
// header's presence is what marks a staging dir complete, so it must land
// last.
func moveHeaderLast(names []string) {
	for i := 0; i+1 < len(names); i++ {
		if strings.HasSuffix(names[i], tablet.HeaderSuffix) {
			names[i], names[len(names)-1] = names[len(names)-1], names[i]
			break
		}
	}
}

func moveHeaderLastInfos(infos []download.FileInfo) {
	for i := 0; i+1 < len(infos); i++ {
		if strings.HasSuffix(infos[i].Name, tablet.HeaderSuffix) {
			infos[i], infos[len(infos)-1] = infos[len(infos)-1], infos[i]
			break
		}
	}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func recreateDir(dir string) error {
	// A staging dir left over from a failed attempt may hold files of the
	// same names with different content; always start clean.
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"
)

type ReleaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

type LatestReleaseResponse struct {
	TagName string         `json:"tag_name"`
	HTMLURL string         `json:"html_url"`
	Body    string         `json:"body"`
	Assets  []ReleaseAsset `json:"assets"`
}

func GetLatestRelease(ctx context.Context, repo string) (LatestReleaseResponse, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return LatestReleaseResponse{}, fmt.Errorf("github repository must not be empty")
	}

	var release LatestReleaseResponse
	if err := getJSON(ctx, fmt.Sprintf("%s/repos/%s/releases/latest", apiBase, repo), &release); err != nil {
		return LatestReleaseResponse{}, err
	}

	return release, nil
}

// PickAsset chooses the binary for this platform: the configured name when set,
// otherwise the first asset whose name carries GOOS and GOARCH.
func PickAsset(assets []ReleaseAsset, name string) (ReleaseAsset, bool) {
	if name = strings.TrimSpace(name); name != "" {
		for _, asset := range assets {
			if strings.EqualFold(asset.Name, name) {
				return asset, true
			}
		}
		return ReleaseAsset{}, false
	}

	for _, asset := range assets {
		lower := strings.ToLower(asset.Name)
		if strings.Contains(lower, runtime.GOOS) && strings.Contains(lower, runtime.GOARCH) {
			return asset, true
		}
	}

	return ReleaseAsset{}, false
}

// DownloadLatestAsset fetches the release binary into a temp file and returns
// its path. The caller removes the file.
func DownloadLatestAsset(ctx context.Context, repo, assetName string) (string, LatestReleaseResponse, error) {
	release, err := GetLatestRelease(ctx, repo)
	if err != nil {
		return "", LatestReleaseResponse{}, err
	}

	asset, ok := PickAsset(release.Assets, assetName)
	if !ok {
		return "", LatestReleaseResponse{}, fmt.Errorf("no %s/%s asset in release %s", runtime.GOOS, runtime.GOARCH, release.TagName)
	}

	path, err := downloadToTemp(ctx, asset.BrowserDownloadURL, "cpwplus-agent-*")
	if err != nil {
		return "", LatestReleaseResponse{}, fmt.Errorf("download %s: %w", asset.Name, err)
	}

	return path, release, nil
}

func downloadToTemp(ctx context.Context, url, pattern string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		return "", fmt.Errorf("download status %d", response.StatusCode)
	}

	tmpFile, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tmpFile.Close()
	}()

	if _, err = io.Copy(tmpFile, response.Body); err != nil {
		_ = os.Remove(tmpFile.Name())
		return "", err
	}

	if err = tmpFile.Chmod(0o755); err != nil {
		_ = os.Remove(tmpFile.Name())
		return "", err
	}

	return tmpFile.Name(), nil
}

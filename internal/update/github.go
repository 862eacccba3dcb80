package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/NowakAdmin/CPWplusAgent/internal/version"
)

// apiBase is replaced in tests.
var apiBase = "https://api.github.com"

var errNoRelease = errors.New("no published release")

type Result struct {
	HasUpdate bool
	Version   string
	URL       string
	Notes     string
}

// CheckGitHubRelease compares the running version with the latest release of
// repo, falling back to the newest tag when nothing was published.
func CheckGitHubRelease(ctx context.Context, repo string) (Result, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return Result{}, fmt.Errorf("github repository must not be empty")
	}

	current := normalize(version.Version)

	release, err := GetLatestRelease(ctx, repo)
	if errors.Is(err, errNoRelease) {
		tag, tagErr := getLatestTag(ctx, repo)
		if tagErr != nil {
			return Result{}, tagErr
		}

		latest := normalize(tag)
		return Result{
			HasUpdate: isNewerVersion(latest, current),
			Version:   latest,
			URL:       fmt.Sprintf("https://github.com/%s/releases/tag/%s", repo, tag),
		}, nil
	}
	if err != nil {
		return Result{}, err
	}

	latest := normalize(release.TagName)
	return Result{
		HasUpdate: isNewerVersion(latest, current),
		Version:   latest,
		URL:       release.HTMLURL,
		Notes:     release.Body,
	}, nil
}

func getLatestTag(ctx context.Context, repo string) (string, error) {
	var tags []struct {
		Name string `json:"name"`
	}
	if err := getJSON(ctx, fmt.Sprintf("%s/repos/%s/tags", apiBase, repo), &tags); err != nil {
		return "", err
	}

	if len(tags) == 0 {
		return "", fmt.Errorf("no tags in %s", repo)
	}

	return tags[0].Name, nil
}

func getJSON(ctx context.Context, url string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/vnd.github+json")

	client := &http.Client{Timeout: 10 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode == http.StatusNotFound {
		return errNoRelease
	}

	if response.StatusCode >= 300 {
		return fmt.Errorf("github api returned status %d", response.StatusCode)
	}

	return json.NewDecoder(response.Body).Decode(out)
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	return v
}

func isNewerVersion(latest, current string) bool {
	if latest == "" || current == "" {
		return false
	}

	latestParts := parseVersion(latest)
	currentParts := parseVersion(current)

	for i := 0; i < 3; i++ {
		if latestParts[i] > currentParts[i] {
			return true
		}
		if latestParts[i] < currentParts[i] {
			return false
		}
	}

	return false
}

func parseVersion(v string) [3]int {
	parts := strings.Split(v, ".")
	result := [3]int{0, 0, 0}

	for i := 0; i < len(parts) && i < 3; i++ {
		value := 0
		for _, ch := range parts[i] {
			if ch < '0' || ch > '9' {
				break
			}
			value = value*10 + int(ch-'0')
		}
		result[i] = value
	}

	return result
}

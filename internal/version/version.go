// Package version provides update checking against GitHub releases and
// semantic version comparison.
package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

const (
	modulePath      = "github.com/maren/divvy"
	latestReleaseAt = "https://api.github.com/repos/maren/divvy/releases/latest"
	checkTimeout    = 5 * time.Second
)

// Release is the subset of the GitHub release response we read.
type Release struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

// CheckResult holds the result of a version check.
type CheckResult struct {
	CurrentVersion string
	LatestVersion  string
	UpdateURL      string
	HasUpdate      bool
	Error          error
}

// Check fetches the latest release from GitHub and compares versions.
// Development builds are never offered updates.
func Check(currentVersion string) CheckResult {
	result := CheckResult{CurrentVersion: currentVersion}
	if IsDevelopmentVersion(currentVersion) {
		return result
	}

	release, err := latestRelease()
	if err != nil {
		result.Error = err
		return result
	}

	result.LatestVersion = release.TagName
	result.UpdateURL = release.HTMLURL
	result.HasUpdate = isNewer(release.TagName, currentVersion)
	return result
}

// latestRelease asks the GitHub API for the newest published release.
func latestRelease() (*Release, error) {
	client := &http.Client{Timeout: checkTimeout}
	resp, err := client.Get(latestReleaseAt)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github api: %s", resp.Status)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, err
	}
	return &release, nil
}

// IsDevelopmentVersion returns true for non-release versions, including
// the "devel+<commit>" stamps source builds carry.
func IsDevelopmentVersion(v string) bool {
	switch v {
	case "", "unknown", "dev", "devel":
		return true
	}
	return len(v) > 6 && v[:6] == "devel+"
}

// releaseVersionPattern accepts plain semver with an optional v prefix and
// an optional dot-or-hyphen separated alphanumeric prerelease. Anything
// else, shell metacharacters included, produces no update command.
var releaseVersionPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9]+([.-][a-zA-Z0-9]+)*)?$`)

// UpdateCommand renders the go install command that upgrades to version,
// or "" when version does not look like a release tag.
func UpdateCommand(version string) string {
	if !releaseVersionPattern.MatchString(version) {
		return ""
	}
	return fmt.Sprintf("go install -ldflags %q %s@%s",
		"-X main.Version="+version, modulePath, version)
}

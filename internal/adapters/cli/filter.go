package cli

import (
	"bufio"
	"regexp"
	"strings"
)

var sha256Matcher = regexp.MustCompile(`^[A-Fa-f0-9]{64}$`)

// noise lists the progress lines CLIs print on stderr while pulling images.
//
//	"Trying to pull docker.io/library/dart:stable..."
//	"Copying blob sha256:aafbf7df3ddf625f4ababc8e55b4a09131651f9aac340b852b5f40b1a53deb65"
//	"4e9f2cdf4387: Already exists"
//	"Status: Downloaded newer image for dart:stable"
var noise = map[string][]string{
	"docker": {
		": Already exists", ": Pulling fs layer", ": Verifying Checksum", ": Download complete",
		": Pulling from", ": Waiting", ": Pull complete", "Digest: sha256", "Status: Downloaded newer image",
		"Unable to find image",
	},
	"podman": {
		"Trying to pull", "Getting image source signatures", "Copying blob sha256:", "Copying config sha256:",
		"Writing manifest to image destination", "Storing signatures",
	},
	"nerdctl": {
		"index-sha256:", "manifest-sha256:", "config-sha256:", "layer-sha256:", "elapsed:",
		"++++++++++++++++++++++++++++++++++++++", "--------------------------------------",
	},
}

// filterOutput drops the pull progress lines of flavor from s.
func filterOutput(flavor, s string) string {
	markers := noise[flavor]
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if isNoise(markers, line) {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func isNoise(markers []string, line string) bool {
	if sha256Matcher.MatchString(strings.TrimSpace(line)) {
		return true
	}
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

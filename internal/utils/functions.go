package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var fileNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)
var byteSizeRegex = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([kKmMgGtT]?[iI]?[bB]?)\s*$`)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func SanitizeFileName(name string) string {
	return fileNameRegex.ReplaceAllString(name, "_")
}

// FileNameFromURL returns the last path element of a URL or local path, or "" if there is none.
func FileNameFromURL(link string) string {
	parsed, err := url.Parse(link)
	if err != nil || parsed.Scheme == "" || parsed.Scheme == "file" {
		p := link
		if err == nil && parsed.Scheme == "file" {
			p = parsed.Path
		}
		base := filepath.Base(p)
		if base == "." || base == string(filepath.Separator) {
			return ""
		}
		return base
	}
	base := path.Base(parsed.Path)
	if base == "." || base == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return SanitizeFileName(base)
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed == 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := FormatBytes(uint64(bps))
	return formatted[:len(formatted)-1] + "B/s" // Slice off "B" and add "B/s"
}

// ParseBytes parses sizes like "4MB", "512k", "1.5GiB" or a plain byte count.
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	matches := byteSizeRegex.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidByteSize, s)
	}
	val, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidByteSize, s)
	}
	multiplier := int64(1)
	unit := strings.ToLower(matches[2])
	if unit != "" {
		switch unit[0] {
		case 'k':
			multiplier = KB
		case 'm':
			multiplier = MB
		case 'g':
			multiplier = GB
		case 't':
			multiplier = 1024 * GB
		}
	}
	return int64(val * float64(multiplier)), nil
}

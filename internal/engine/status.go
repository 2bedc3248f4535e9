package engine

import (
	"fmt"
	"time"
)

type DownloadStatus int

const (
	StatusNotStarted DownloadStatus = iota
	StatusActive
	StatusPaused
	StatusFinished
	StatusCancelled
	StatusError
)

func (s DownloadStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "not-started"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Done reports whether the download reached a terminal state.
func (s DownloadStatus) Done() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusError
}

// ProgressStatus is a snapshot of one download. DownloadPart is 1-based.
type ProgressStatus struct {
	ID                 string
	TotalBytes         int64
	TotalDownloadParts int
	FileName           string
	Comment            string
	DownloadPart       int
	TransferredBytes   int64
	ParallelStreams    int
	StartTime          time.Time
	EndTime            time.Time
	TransferAction     string
	DownloadStatus     DownloadStatus
	Err                error
}

// Percentage is in [0, 100], or 0 while the total is unknown.
func (p ProgressStatus) Percentage() float64 {
	if p.TotalBytes <= 0 {
		if p.DownloadStatus == StatusFinished {
			return 100
		}
		return 0
	}
	return min(float64(p.TransferredBytes)/float64(p.TotalBytes)*100, 100)
}

// Elapsed is the time spent so far, or the total time once finished.
func (p ProgressStatus) Elapsed(now time.Time) time.Duration {
	if p.StartTime.IsZero() {
		return 0
	}
	if !p.EndTime.IsZero() {
		return p.EndTime.Sub(p.StartTime)
	}
	return now.Sub(p.StartTime)
}

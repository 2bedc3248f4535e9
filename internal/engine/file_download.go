package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tanq16/pullstream/internal/fetch"
	"github.com/tanq16/pullstream/internal/parallel"
	"github.com/tanq16/pullstream/internal/progress"
	"github.com/tanq16/pullstream/internal/types"
	"github.com/tanq16/pullstream/internal/utils"
	"github.com/tanq16/pullstream/internal/write"
)

// FileOptions describes a download to a local file. URLs are the parts of the file, in order.
// Exactly one of SavePath and SaveDirectory must be set.
type FileOptions struct {
	URLs            []string
	SavePath        string
	SaveDirectory   string
	FileName        string
	ChunkSize       int64
	ParallelStreams int
	Program         string
	Adaptive        bool
	ParallelOptions parallel.Options
	Fetch           fetch.Options
	Transport       fetch.TransportOptions
	CoalesceSize    int64
	WriteMaxWait    time.Duration
	DeleteOnClose   bool
	Comment         string
}

func (o *FileOptions) validate() error {
	if len(o.URLs) == 0 {
		return fmt.Errorf("%w: no source given", ErrInvalidOptions)
	}
	// Every part is read through one transport, so all parts must share a source kind.
	var first string
	for i, raw := range o.URLs {
		if raw == "" {
			return fmt.Errorf("%w: empty source", ErrInvalidOptions)
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%w: malformed source %q: %v", ErrInvalidOptions, raw, err)
		}
		kind, err := fetch.SourceKind(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		if i == 0 {
			first = kind
		} else if kind != first {
			return fmt.Errorf("%w: part %d is a %s source but part 1 is %s", ErrInvalidOptions, i+1, kind, first)
		}
	}
	if (o.SavePath == "") == (o.SaveDirectory == "") {
		return fmt.Errorf("%w: exactly one of save path and save directory is required", ErrInvalidOptions)
	}
	return nil
}

// PrepareFileDownload queries every part, resolves the destination and returns an engine
// writing to "<destination>.pullstream". Resume metadata found at the end of that file is
// restored when it matches the parts. On success the file is truncated and renamed to the
// destination.
func PrepareFileDownload(ctx context.Context, opts FileOptions) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := utils.GetLogger("engine")
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = utils.DefaultChunkSize
	}

	transport, err := fetch.TransportFor(ctx, opts.URLs[0], opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	stream := fetch.NewStream(transport, opts.Fetch)

	parts := make([]*types.DownloadFilePart, 0, len(opts.URLs))
	var firstName string
	for i, raw := range opts.URLs {
		info, err := stream.FetchDownloadInfo(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("error inspecting %s: %w", raw, err)
		}
		if i == 0 {
			firstName = info.FileName
		}
		parts = append(parts, types.NewDownloadFilePart(raw, info.NewURL, info.Length, info.AcceptRange))
		log.Debug().Str("url", raw).Int64("size", info.Length).Bool("ranges", info.AcceptRange).Msg("inspected part")
	}

	dest := opts.SavePath
	if dest == "" {
		name := opts.FileName
		if name == "" && firstName != "" {
			name = utils.SanitizeFileName(firstName)
		}
		if name == "" {
			name = utils.FileNameFromURL(opts.URLs[0])
		}
		if name == "" {
			name = "download"
		}
		dest = filepath.Join(opts.SaveDirectory, name)
	}
	temp := dest + utils.TempFileSuffix
	if _, err := os.Stat(dest); err == nil {
		if _, err := os.Stat(temp); os.IsNotExist(err) {
			dest = utils.RenewOutputPath(dest)
			temp = dest + utils.TempFileSuffix
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %v", err)
	}

	file := types.NewDownloadFile(dest, parts...)
	writer, err := write.NewFileWriter(temp, write.FileOptions{
		ExpectedSize:  file.TotalSize,
		CoalesceSize:  opts.CoalesceSize,
		MaxWait:       opts.WriteMaxWait,
		DeleteOnClose: opts.DeleteOnClose,
	})
	if err != nil {
		return nil, err
	}
	if saved := restoreProgress(writer, file); saved != nil {
		file.DownloadProgress = saved
		opts.ChunkSize = saved.ChunkSize
		log.Info().Str("file", dest).Int("part", saved.Part+1).Msg("resuming download")
	}

	e, err := New(Options{
		File:            file,
		Fetch:           stream,
		Writer:          writer,
		ChunkSize:       opts.ChunkSize,
		ParallelStreams: opts.ParallelStreams,
		Program:         opts.Program,
		Adaptive:        opts.Adaptive,
		ParallelOptions: opts.ParallelOptions,
		Comment:         opts.Comment,
		TransferAction:  "Downloading",
		SaveProgress: func(_ context.Context, info *progress.SaveProgressInfo) error {
			data, err := json.Marshal(info)
			if err != nil {
				return err
			}
			return writer.SaveMetadata(data)
		},
		OnFinished: func(context.Context) error {
			return writer.Commit(dest)
		},
	})
	if err != nil {
		writer.Close()
		return nil, err
	}
	return e, nil
}

// restoreProgress reads the metadata trailer and keeps it only if it fits the parts.
func restoreProgress(writer *write.FileWriter, file *types.DownloadFile) *progress.SaveProgressInfo {
	log := utils.GetLogger("engine")
	data, err := writer.ReadMetadata()
	if err != nil || len(data) == 0 {
		return nil
	}
	var info progress.SaveProgressInfo
	if err := json.Unmarshal(data, &info); err != nil {
		log.Warn().Err(err).Str("file", writer.Path()).Msg("ignoring unreadable resume metadata")
		return nil
	}
	if info.Part < 0 || info.Part >= len(file.Parts) || info.ChunkSize <= 0 {
		log.Warn().Str("file", writer.Path()).Msg("ignoring resume metadata for a different layout")
		return nil
	}
	if len(info.Chunks) != progress.ChunkCount(file.Parts[info.Part].Size, info.ChunkSize) {
		log.Warn().Str("file", writer.Path()).Msg("ignoring resume metadata for a different layout")
		return nil
	}
	return &info
}

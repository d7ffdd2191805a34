package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/mhx/internal/table"
)

// Job is a scripted download, convert and upload run, usually read from a
// YAML file:
//
//	source_table: syn4590865
//	columns: [audio_audio.m4a]
//	limit: 3
//	out_dir: ./voice
//	convert: true
//	dest_project: syn4899451
//	table_name: mPower phonation wav files
//	provenance:
//	  tracking_table: syn4899452
//	  command: ffmpeg
type Job struct {
	SourceTable string           `yaml:"source_table"`
	Columns     []string         `yaml:"columns"`
	Limit       int              `yaml:"limit"`
	OutDir      string           `yaml:"out_dir"`
	Convert     bool             `yaml:"convert"`
	DestProject string           `yaml:"dest_project"`
	TableName   string           `yaml:"table_name"`
	Provenance  *ProvenanceStage `yaml:"provenance"`
}

// ProvenanceStage records one provenance row per uploaded file.
type ProvenanceStage struct {
	TrackingTable string `yaml:"tracking_table"`
	ActivityID    string `yaml:"activity_id"`
	Command       string `yaml:"command"`
	CommandLine   string `yaml:"command_line"`
}

// Converter turns downloaded files into derived files, one output per input.
// *audio.Converter implements it.
type Converter interface {
	Convert(ctx context.Context, inputs []string) ([]string, error)
}

// JobResult summarizes a finished job.
type JobResult struct {
	Files           *table.Table // one row per uploaded file
	TableID         string       // empty unless DestProject was set
	Downloaded      int
	Uploaded        int
	ProvenanceRows  int
	ConvertedOutput []string
}

// LoadJob reads a job file. Unknown keys are rejected.
func LoadJob(path string) (Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return Job{}, errors.Wrapf(err, "open job %s", path)
	}
	defer f.Close()

	var job Job
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil {
		return Job{}, errors.Wrapf(err, "parse job %s", path)
	}
	if err := job.Validate(); err != nil {
		return Job{}, errors.Wrapf(err, "job %s", path)
	}
	return job, nil
}

// Validate checks required fields.
func (j Job) Validate() error {
	switch {
	case j.SourceTable == "":
		return errors.New("source_table is required")
	case len(j.Columns) == 0:
		return errors.New("columns must name at least one file column")
	case j.Limit < 0:
		return errors.New("limit must not be negative")
	case j.DestProject != "" && j.TableName == "":
		return errors.New("table_name is required with dest_project")
	case j.Provenance != nil && j.Provenance.TrackingTable == "":
		return errors.New("provenance.tracking_table is required")
	}
	return nil
}

// FileColumns is the schema of the table RunJob builds.
func FileColumns() []table.Column {
	return []table.Column{
		{Name: "source_column", Type: table.TypeString, MaxSize: 250},
		{Name: "source_row", Type: table.TypeInteger},
		{Name: "source_handle", Type: table.TypeString, MaxSize: 50},
		{Name: "file_handle", Type: table.TypeFileHandleID},
		{Name: "file_name", Type: table.TypeString, MaxSize: 250},
	}
}

// RunJob downloads the job's file columns, optionally converts them with
// conv, uploads every resulting file and, when configured, writes a table of
// the new handles and a provenance row per file. Files are processed one at
// a time.
func RunJob(ctx context.Context, svc TableService, conv Converter, job Job) (JobResult, error) {
	if err := job.Validate(); err != nil {
		return JobResult{}, err
	}
	if job.Convert && conv == nil {
		return JobResult{}, errors.New("job requests conversion but no converter is configured")
	}

	src, files, err := DownloadTableFiles(ctx, svc, job.SourceTable, job.Columns, job.Limit, job.OutDir)
	if err != nil {
		return JobResult{}, err
	}

	out, err := table.New(FileColumns(), nil)
	if err != nil {
		return JobResult{}, err
	}
	var res JobResult

	for ci, column := range job.Columns {
		colIdx := src.ColumnIndex(column)
		for ri, raw := range files[ci] {
			if raw == "" {
				continue
			}
			res.Downloaded++

			local := raw
			if job.Convert {
				converted, err := conv.Convert(ctx, []string{raw})
				if err != nil {
					return res, errors.Wrapf(err, "convert row %d column %q", src.Rows[ri].ID, column)
				}
				local = converted[0]
				res.ConvertedOutput = append(res.ConvertedOutput, local)
			}

			handle, err := svc.UploadFile(ctx, local)
			if err != nil {
				return res, err
			}
			res.Uploaded++

			sourceHandle, _ := src.Rows[ri].Values[colIdx].(string)
			if err := out.Append(column, src.Rows[ri].ID, sourceHandle, handle, filepath.Base(local)); err != nil {
				return res, err
			}

			if p := job.Provenance; p != nil {
				rawHandle := handle
				if local != raw {
					if rawHandle, err = svc.UploadFile(ctx, raw); err != nil {
						return res, err
					}
				}
				rec := ProvenanceRecord{
					SourceHandle: sourceHandle,
					ActivityID:   p.ActivityID,
					Command:      p.Command,
					CommandLine:  p.CommandLine,
				}
				if err := appendProvenance(ctx, svc, p.TrackingTable, handle, rawHandle, rec); err != nil {
					return res, err
				}
				res.ProvenanceRows++
			}
		}
	}
	res.Files = out

	if job.DestProject != "" {
		id, err := WriteTable(ctx, svc, out, job.DestProject, job.TableName)
		if err != nil {
			return res, err
		}
		res.TableID = id
	}
	slog.Info("job finished", "source", job.SourceTable, "downloaded", res.Downloaded,
		"uploaded", res.Uploaded, "table", res.TableID, "provenance_rows", res.ProvenanceRows)
	return res, nil
}

package pipeline

import (
	"context"
	"log/slog"

	"github.com/go-faster/errors"

	"github.com/kalambet/mhx/internal/table"
)

// ProvenanceRecord describes one feature extraction run.
type ProvenanceRecord struct {
	FeatureFile    string // local path, uploaded
	RawFeatureFile string // local path, uploaded
	SourceHandle   string // file handle of the input the features came from
	ActivityID     string
	Command        string
	CommandLine    string
}

// ProvenanceColumns is the schema of a tracking table, in row order.
func ProvenanceColumns() []table.Column {
	return []table.Column{
		{Name: "feature_handle", Type: table.TypeFileHandleID},
		{Name: "raw_feature_handle", Type: table.TypeFileHandleID},
		{Name: "source_handle", Type: table.TypeString, MaxSize: 50},
		{Name: "activity_id", Type: table.TypeString, MaxSize: 50},
		{Name: "command", Type: table.TypeString, MaxSize: 250},
		{Name: "command_line", Type: table.TypeLargeText},
	}
}

// RecordFeatureProvenance uploads both feature files and appends exactly one
// row to trackingTableID. It returns trackingTableID.
func RecordFeatureProvenance(ctx context.Context, svc TableService, rec ProvenanceRecord, trackingTableID string) (string, error) {
	featureHandle, err := svc.UploadFile(ctx, rec.FeatureFile)
	if err != nil {
		return "", errors.Wrap(err, "upload feature file")
	}
	rawHandle, err := svc.UploadFile(ctx, rec.RawFeatureFile)
	if err != nil {
		return "", errors.Wrap(err, "upload raw feature file")
	}
	if err := appendProvenance(ctx, svc, trackingTableID, featureHandle, rawHandle, rec); err != nil {
		return "", err
	}
	return trackingTableID, nil
}

func appendProvenance(ctx context.Context, svc TableService, trackingTableID, featureHandle, rawHandle string, rec ProvenanceRecord) error {
	row := []any{featureHandle, rawHandle, rec.SourceHandle, rec.ActivityID, rec.Command, rec.CommandLine}
	if err := svc.AppendRows(ctx, trackingTableID, [][]any{row}); err != nil {
		return errors.Wrapf(err, "record provenance in %s", trackingTableID)
	}
	slog.Info("recorded provenance", "table", trackingTableID, "feature_handle", featureHandle, "source_handle", rec.SourceHandle)
	return nil
}

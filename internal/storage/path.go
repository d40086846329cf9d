package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

const resultsRoot = "results"

var jobIDComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,127}$`)

// BuildResultPath returns the archive key of a job result, partitioned by the
// UTC day it was archived: results/date=YYYY-MM-DD/<job_id>.parquet.
func BuildResultPath(jobID string, archivedAt time.Time) (string, error) {
	if !jobIDComponentPattern.MatchString(jobID) {
		return "", fmt.Errorf("invalid job id: %q", jobID)
	}
	ts := archivedAt.UTC()
	return path.Join(
		resultsRoot,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		jobID+".parquet",
	), nil
}

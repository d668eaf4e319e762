package pum

import (
	"context"
	"testing"
)

func TestProgressReporterFunc(t *testing.T) {
	var got ProgressEvent
	var reporter ProgressReporter = ProgressReporterFunc(func(_ context.Context, event ProgressEvent) {
		got = event
	})

	reporter.ReportProgress(context.Background(), ProgressEvent{Message: "Version 1.0.0: base.sql", Current: 2, Total: 5})
	if got.Message != "Version 1.0.0: base.sql" || got.Current != 2 || got.Total != 5 {
		t.Errorf("adapter did not forward the event, got %+v", got)
	}
}

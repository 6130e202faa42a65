package exclog

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Severity level for reported exceptions.
type Severity int

const (
	Uncaught    Severity = 20
	Critical    Severity = 40
	Operational Severity = 50
	Noncritical Severity = 60
	UserError   Severity = 80
)

// Report records an exception without interrupting execution.
func Report(err error, severity Severity, id string) {
	glog.ErrorDepth(1,
		fmt.Sprintf("exclog: err: %v, severity: %v, id: %v", err, severity, id))
}

// PanicAndReport aborts on a contract violation; the condition indicates a
// bug, not a runtime state.
func PanicAndReport(err error) {
	panic(fmt.Sprintf("exclog: err: %s", err))
}

func PanicAndReportf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func ReportAndCrash(err error) {
	glog.ErrorDepth(1, fmt.Sprintf("exclog: fatal err: %v", err))
	panic(fmt.Sprintf("exclog: ReportAndCrash(): %v", err))
}

func Flush(wait time.Duration) {
	glog.Flush()
}

package logger

import (
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
)

const (
	FieldCategory = "category"
	FieldSwitch   = "switch"
	FieldTable    = "table"
	FieldEndpoint = "endpoint"
)

var (
	log        *logrus.Logger
	MainLog    *logrus.Entry
	CfgLog     *logrus.Entry
	SchemaLog  *logrus.Entry
	BackendLog *logrus.Entry
	ConnLog    *logrus.Entry
	TableLog   *logrus.Entry
)

func init() {
	log = logrus.New()
	log.SetReportCaller(false)

	log.Formatter = &formatter.Formatter{
		TimestampFormat: time.RFC3339,
		TrimMessages:    true,
		NoFieldsSpace:   true,
		HideKeys:        true,
		FieldsOrder:     []string{"component", "category"},
	}

	MainLog = log.WithFields(logrus.Fields{"component": "TableCtl", "category": "Main"})
	CfgLog = log.WithFields(logrus.Fields{"component": "TableCtl", "category": "CFG"})
	SchemaLog = log.WithFields(logrus.Fields{"component": "TableCtl", "category": "Schema"})
	BackendLog = log.WithFields(logrus.Fields{"component": "TableCtl", "category": "Backend"})
	ConnLog = log.WithFields(logrus.Fields{"component": "TableCtl", "category": "Conn"})
	TableLog = log.WithFields(logrus.Fields{"component": "TableCtl", "category": "Table"})
}

func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

func SetReportCaller(set bool) {
	log.SetReportCaller(set)
}

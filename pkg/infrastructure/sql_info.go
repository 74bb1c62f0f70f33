// Package infrastructure provides the Flight SQL capability table advertised
// by the gateway.
package infrastructure

import (
	"sort"

	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
)

// ServerName is reported as FLIGHT_SQL_SERVER_NAME.
const ServerName = "sqlgate"

// ArrowVersion is reported as FLIGHT_SQL_SERVER_ARROW_VERSION.
const ArrowVersion = "18.3.0"

// SQLInfoProvider builds the SqlInfo values for one backend.
type SQLInfoProvider struct {
	driver  string
	version string
	info    map[flightsql.SqlInfo]interface{}
}

// NewSQLInfoProvider returns the capability table for driver.
func NewSQLInfoProvider(driver, version string) *SQLInfoProvider {
	p := &SQLInfoProvider{driver: driver, version: version}
	p.init()
	return p
}

func (p *SQLInfoProvider) init() {
	p.info = map[flightsql.SqlInfo]interface{}{
		flightsql.SqlInfoFlightSqlServerName:         ServerName,
		flightsql.SqlInfoFlightSqlServerVersion:      p.version,
		flightsql.SqlInfoFlightSqlServerArrowVersion: ArrowVersion,
		flightsql.SqlInfoFlightSqlServerReadOnly:     true,
		flightsql.SqlInfoFlightSqlServerSql:          true,
		flightsql.SqlInfoFlightSqlServerSubstrait:    false,
		flightsql.SqlInfoFlightSqlServerTransaction:  int32(flightsql.SqlTransactionNone),
		flightsql.SqlInfoFlightSqlServerCancel:       false,

		flightsql.SqlInfoDDLCatalog:            false,
		flightsql.SqlInfoDDLSchema:             false,
		flightsql.SqlInfoDDLTable:              false,
		flightsql.SqlInfoTransactionsSupported: false,

		flightsql.SqlInfoAllTablesAreASelectable: true,
		flightsql.SqlInfoIdentifierQuoteChar:     p.quoteChar(),
		flightsql.SqlInfoIdentifierCase:          int64(flightsql.SqlCaseSensitivityCaseInsensitive),
		flightsql.SqlInfoQuotedIdentifierCase:    int64(flightsql.SqlCaseSensitivityCaseInsensitive),
		flightsql.SqlInfoNullOrdering:            p.nullOrdering(),
		flightsql.SqlInfoKeywords:                []string{"DESCRIBE", "EXPLAIN", "SELECT", "SHOW"},
	}
}

func (p *SQLInfoProvider) quoteChar() string {
	if p.driver == "mysql" {
		return "`"
	}
	return `"`
}

func (p *SQLInfoProvider) nullOrdering() int64 {
	if p.driver == "postgres" {
		return int64(flightsql.SqlNullOrderingSortHigh)
	}
	return int64(flightsql.SqlNullOrderingSortLow)
}

// Value returns the registered value for id.
func (p *SQLInfoProvider) Value(id flightsql.SqlInfo) (interface{}, bool) {
	v, ok := p.info[id]
	return v, ok
}

// IDs returns the registered ids in ascending order.
func (p *SQLInfoProvider) IDs() []flightsql.SqlInfo {
	ids := make([]flightsql.SqlInfo, 0, len(p.info))
	for id := range p.info {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Register adds every value to a Flight SQL base server.
func (p *SQLInfoProvider) Register(srv *flightsql.BaseServer) error {
	for _, id := range p.IDs() {
		if err := srv.RegisterSqlInfo(id, p.info[id]); err != nil {
			return err
		}
	}
	return nil
}

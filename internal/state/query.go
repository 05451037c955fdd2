package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultSortBy   = "datetime_input"

	dateLayout = "2006-01-02"
)

// ErrInvalidListOptions is returned for list parameters that cannot be
// turned into a query
var ErrInvalidListOptions = errors.New("invalid list options")

var sortableColumns = map[string]bool{
	"id":               true,
	"image_name":       true,
	"datetime_input":   true,
	"shape":            true,
	"source_type":      true,
	"classes_from_img": true,
}

// ListOptions filters, sorts and paginates history queries
type ListOptions struct {
	Query      string // case-insensitive substring of image_name or classes_from_img
	SourceType string
	StartDate  *time.Time // inclusive, whole day
	EndDate    *time.Time // inclusive, whole day
	SortBy     string
	Order      string // asc or desc
	Page       int
	PageSize   int
}

// ParseDate parses a YYYY-MM-DD query date as midnight UTC
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidListOptions, s)
	}
	return t, nil
}

// Normalize fills defaults and rejects values that cannot be queried
func (o ListOptions) Normalize() (ListOptions, error) {
	o.Query = strings.TrimSpace(o.Query)

	if o.SortBy == "" {
		o.SortBy = DefaultSortBy
	}
	if !sortableColumns[o.SortBy] {
		return o, fmt.Errorf("%w: cannot sort by %q", ErrInvalidListOptions, o.SortBy)
	}

	switch strings.ToLower(o.Order) {
	case "":
		o.Order = "desc"
	case "asc", "desc":
		o.Order = strings.ToLower(o.Order)
	default:
		return o, fmt.Errorf("%w: order must be asc or desc, got %q", ErrInvalidListOptions, o.Order)
	}

	if o.Page == 0 {
		o.Page = 1
	}
	if o.Page < 1 {
		return o, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidListOptions, o.Page)
	}
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize < 1 {
		return o, fmt.Errorf("%w: page_size must be >= 1, got %d", ErrInvalidListOptions, o.PageSize)
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}

	return o, nil
}

// Offset returns the row offset of the requested page
func (o ListOptions) Offset() int {
	return (o.Page - 1) * o.PageSize
}

// dialect captures the SQL differences between the history backends
type dialect struct {
	placeholder func(n int) string
	contains    func(column, placeholder string) string
	pattern     func(q string) string
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	contains: func(column, ph string) string {
		return fmt.Sprintf(`LOWER(%s) LIKE %s ESCAPE '\'`, column, ph)
	},
	pattern: func(q string) string { return "%" + escapeLike(strings.ToLower(q)) + "%" },
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	contains: func(column, ph string) string {
		return fmt.Sprintf(`%s ILIKE %s ESCAPE '\'`, column, ph)
	},
	pattern: func(q string) string { return "%" + escapeLike(q) + "%" },
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// whereClause builds the filter for opts. opts must be normalized.
func (d dialect) whereClause(opts ListOptions) (string, []interface{}) {
	var conds []string
	var args []interface{}
	bind := func(v interface{}) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	if opts.Query != "" {
		p := d.pattern(opts.Query)
		conds = append(conds, fmt.Sprintf("(%s OR %s)",
			d.contains("image_name", bind(p)),
			d.contains("classes_from_img", bind(p)),
		))
	}
	if opts.SourceType != "" {
		conds = append(conds, "source_type = "+bind(opts.SourceType))
	}
	if opts.StartDate != nil {
		conds = append(conds, "datetime_input >= "+bind(opts.StartDate.UTC()))
	}
	if opts.EndDate != nil {
		conds = append(conds, "datetime_input < "+bind(opts.EndDate.UTC().AddDate(0, 0, 1)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// listQueries returns the count and page queries for opts. The page query
// takes two more arguments, limit and offset, after the filter arguments.
func (d dialect) listQueries(opts ListOptions) (count, page string, args []interface{}) {
	where, args := d.whereClause(opts)

	count = "SELECT COUNT(*) FROM detection_history" + where
	page = fmt.Sprintf("SELECT %s FROM detection_history%s ORDER BY %s %s, id %s LIMIT %s OFFSET %s",
		historyColumns, where,
		opts.SortBy, strings.ToUpper(opts.Order), strings.ToUpper(opts.Order),
		d.placeholder(len(args)+1), d.placeholder(len(args)+2),
	)
	return count, page, args
}

const historyColumns = "id, image_name, datetime_input, shape, classes_from_img, path, input_path, source_type, detailed_results"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row rowScanner) (*DetectionHistory, error) {
	var rec DetectionHistory
	var details string
	if err := row.Scan(
		&rec.ID, &rec.ImageName, &rec.DatetimeInput, &rec.Shape, &rec.ClassesFromImg,
		&rec.Path, &rec.InputPath, &rec.SourceType, &details,
	); err != nil {
		return nil, err
	}
	if details != "" {
		rec.DetailedResults = []byte(details)
	}
	rec.DatetimeInput = rec.DatetimeInput.UTC()
	return &rec, nil
}

// prepareRecord fills the insert-time defaults on rec
func prepareRecord(rec *DetectionHistory) {
	if rec.DatetimeInput.IsZero() {
		rec.DatetimeInput = time.Now()
	}
	// microsecond precision round-trips through both backends
	rec.DatetimeInput = rec.DatetimeInput.UTC().Truncate(time.Microsecond)
}

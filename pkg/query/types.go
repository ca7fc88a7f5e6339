package query

// Target is a remote data source a query runs against.
type Target struct {
	// ID is the opaque identifier used in query URLs.
	ID string `json:"id"`

	// Name is the human-readable target name.
	Name string `json:"name"`

	// Group is the organizational grouping the target belongs to,
	// whatever the backend calls it (subscription, project, folder).
	Group string `json:"group"`
}

// Column describes one field of a result table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is one result table of a response page. Each row is a positional
// array of values matching Columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Response is one page of query results. Pagination continues while
// NextLink is present.
type Response struct {
	Tables   []Table `json:"tables"`
	NextLink string  `json:"nextLink,omitempty"`
}

// targetListResponse is the admin API envelope for target listing.
type targetListResponse struct {
	Value []Target `json:"value"`
}

// queryRequest is the POST body for a query.
type queryRequest struct {
	Query    string `json:"query"`
	Timespan string `json:"timespan,omitempty"`
}

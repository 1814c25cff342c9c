package httpapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"domalend/store"
)

// The endpoint does not parse GraphQL. It recognizes which collections a
// query asks for by substring and answers with the store's projection under
// the matching keys, which is the shape subgraph clients already expect.

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlError struct {
	Message    string            `json:"message"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

const (
	codeBadRequest = "BAD_REQUEST"
	codeInternal   = "INTERNAL_SERVER_ERROR"
)

var (
	reFirst          = regexp.MustCompile(`first:\s*(\d+)`)
	reSkip           = regexp.MustCompile(`skip:\s*(\d+)`)
	reOrderBy        = regexp.MustCompile(`orderBy:\s*"?(\w+)"?`)
	reOrderDirection = regexp.MustCompile(`orderDirection:\s*"?(\w+)"?`)
)

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req graphqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeGraphQLErrors(w, http.StatusBadRequest, graphqlError{
			Message:    "invalid request body: " + err.Error(),
			Extensions: map[string]string{"code": codeBadRequest},
		})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeGraphQLErrors(w, http.StatusBadRequest, graphqlError{
			Message:    "query is required",
			Extensions: map[string]string{"code": codeBadRequest},
		})
		return
	}

	opts := listOptionsFromGraphQL(req)
	data := map[string]interface{}{}
	for _, kind := range store.Kinds() {
		key := kind.CollectionKey()
		if !strings.Contains(req.Query, key) {
			continue
		}
		records, err := s.store.List(kind, opts)
		if err != nil {
			// Rejected list options get 400 on this path too, matching the
			// REST handlers.
			s.writeGraphQLErrors(w, http.StatusBadRequest, graphqlError{
				Message:    err.Error(),
				Extensions: map[string]string{"code": codeBadRequest},
			})
			return
		}
		data[key] = records
	}
	if strings.Contains(req.Query, "protocolStats_collection") ||
		strings.Contains(req.Query, "protocolStatsCollection") {
		data["protocolStats_collection"] = []store.ProtocolStats{s.store.Stats()}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (s *Server) writeGraphQLErrors(w http.ResponseWriter, status int, errs ...graphqlError) {
	s.writeJSON(w, status, map[string]interface{}{"errors": errs})
}

// listOptionsFromGraphQL pulls pagination from the variables map first and
// falls back to inline arguments in the query text.
func listOptionsFromGraphQL(req graphqlRequest) store.ListOptions {
	var opts store.ListOptions
	opts.First = intFromVars(req.Variables, "first")
	opts.Skip = intFromVars(req.Variables, "skip")
	opts.OrderBy = stringFromVars(req.Variables, "orderBy")
	opts.OrderDirection = stringFromVars(req.Variables, "orderDirection")

	if opts.First == 0 {
		opts.First = intFromQuery(reFirst, req.Query)
	}
	if opts.Skip == 0 {
		opts.Skip = intFromQuery(reSkip, req.Query)
	}
	if opts.OrderBy == "" {
		opts.OrderBy = stringFromQuery(reOrderBy, req.Query)
	}
	if opts.OrderDirection == "" {
		opts.OrderDirection = stringFromQuery(reOrderDirection, req.Query)
	}
	return opts
}

func intFromVars(vars map[string]interface{}, key string) int {
	if v, ok := vars[key].(float64); ok && v > 0 {
		return int(v)
	}
	return 0
}

func stringFromVars(vars map[string]interface{}, key string) string {
	if v, ok := vars[key].(string); ok {
		return v
	}
	return ""
}

func intFromQuery(re *regexp.Regexp, query string) int {
	if m := re.FindStringSubmatch(query); len(m) == 2 {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return v
		}
	}
	return 0
}

func stringFromQuery(re *regexp.Regexp, query string) string {
	if m := re.FindStringSubmatch(query); len(m) == 2 {
		return m[1]
	}
	return ""
}

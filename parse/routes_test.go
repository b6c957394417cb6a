package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/predictions/model"
)

func TestParseRoutes(t *testing.T) {
	for _, tc := range []struct {
		name     string
		content  string
		agencies map[string]bool
		routes   []model.Route
		err      bool
	}{
		{
			"minimal_with_short_name",
			`
route_id,route_short_name,route_type
1,1,3`,
			map[string]bool{},
			[]model.Route{{ID: "1", ShortName: "1", SortOrder: -1}},
			false,
		},

		{
			"minimal_with_long_name",
			`
route_id,route_long_name,route_type
1,Route One,3`,
			map[string]bool{},
			[]model.Route{{ID: "1", LongName: "Route One", SortOrder: -1}},
			false,
		},

		{
			"sort_order",
			`
route_id,agency_id,route_short_name,route_long_name,route_type,route_sort_order
r1,a1,one,Route One,3,2
r2,a2,two,Route Two,3,1`,
			map[string]bool{"a1": true, "a2": true},
			[]model.Route{
				{ID: "r1", AgencyID: "a1", ShortName: "one", LongName: "Route One", SortOrder: 2},
				{ID: "r2", AgencyID: "a2", ShortName: "two", LongName: "Route Two", SortOrder: 1},
			},
			false,
		},

		{
			"invalid_sort_order",
			`
route_id,route_short_name,route_type,route_sort_order
1,1,3,first`,
			map[string]bool{},
			nil,
			true,
		},

		{
			"missing_names",
			`
route_id,route_type
1,3`,
			map[string]bool{},
			nil,
			true,
		},

		{
			"missing_route_type",
			`
route_id,route_short_name
1,1`,
			map[string]bool{},
			nil,
			true,
		},

		{
			"repeated_route_id",
			`
route_id,route_short_name,route_type
1,1,3
1,2,3`,
			map[string]bool{},
			nil,
			true,
		},

		{
			"unknown_agency",
			`
route_id,agency_id,route_short_name,route_type
1,a3,1,3`,
			map[string]bool{"a1": true},
			nil,
			true,
		},

		{
			"agency_required_with_multiple_agencies",
			`
route_id,route_short_name,route_type
1,1,3`,
			map[string]bool{"a1": true, "a2": true},
			nil,
			true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := &recorder{}
			routes, err := ParseRoutes(r, bytes.NewBufferString(tc.content), tc.agencies)
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tc.routes), len(routes))
			assert.Equal(t, tc.routes, r.routes)
		})
	}
}

package cfapi

import (
	"context"
	"iter"
	"strconv"
)

const pageSize = 50

// Paginate issues successive GET requests against endpoint with
// per_page=50 and page=1.. and yields each element lazily. It stops when
// any of: result_info is absent, page >= total_pages, zero items were
// returned, or fewer than per_page items were returned (spec §4.A).
func Paginate[T any](ctx context.Context, c *Client, endpoint string, query map[string]string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		page := 1
		for {
			q := make(map[string]string, len(query)+2)
			for k, v := range query {
				q[k] = v
			}
			q["per_page"] = strconv.Itoa(pageSize)
			q["page"] = strconv.Itoa(page)

			items, info, err := request[[]T](ctx, c, "GET", endpoint, nil, q)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			if info == nil {
				return
			}
			if len(items) == 0 {
				return
			}
			if info.TotalPages != nil && page >= *info.TotalPages {
				return
			}
			if len(items) < pageSize {
				return
			}
			page++
		}
	}
}

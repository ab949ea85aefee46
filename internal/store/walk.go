package store

import (
	"context"
	"fmt"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

// Walk calls fn for each of the first head.Len stored commits in Seq order,
// reading pageSize commits at a time. Commits appended after head was read
// are not visited. Walk follows stored rows, so the commits on either side
// of a removed row are still visited back to back.
//
// fn returns false to stop early. Walk returns an error if the store cannot
// be read or holds fewer commits than head.Len.
func Walk(ctx context.Context, s Store, head Head, pageSize int, fn func(c record.Commit) bool) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	var (
		after int64 = -1
		read  int64
	)
	for read < head.Len {
		if err := ctx.Err(); err != nil {
			return err
		}
		limit := min(int64(pageSize), head.Len-read)
		page, err := s.ScanAfter(ctx, after, int(limit))
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return fmt.Errorf("expected %d commits, store returned %d", head.Len, read)
		}
		for _, c := range page {
			read++
			after = c.Seq
			if !fn(c) {
				return nil
			}
		}
	}
	return nil
}

// Collect returns the commits Walk visits for head.
func Collect(ctx context.Context, s Store, head Head, pageSize int) ([]record.Commit, error) {
	commits := make([]record.Commit, 0, head.Len)
	err := Walk(ctx, s, head, pageSize, func(c record.Commit) bool {
		commits = append(commits, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	return commits, nil
}

package talepreter

import (
	"fmt"

	"github.com/google/uuid"
)

// PageRef addresses a single page inside one version of a tale. Chapter and
// page numbers are zero based and dense: page N+1 of a chapter can only be
// registered after page N, and chapter N+1 only after chapter N has at least
// one page.
type PageRef struct {
	TaleID        uuid.UUID `json:"tale_id"`
	TaleVersionID uuid.UUID `json:"tale_version_id"`
	Chapter       int       `json:"chapter"`
	Page          int       `json:"page"`
}

func (r PageRef) String() string {
	return fmt.Sprintf("%s\\%s.%d#%d", r.TaleID, r.TaleVersionID, r.Chapter, r.Page)
}

func (r PageRef) Validate() error {
	if r.TaleID == uuid.Nil {
		return InvalidIdentity("tale id is empty")
	}
	if r.TaleVersionID == uuid.Nil {
		return InvalidIdentity("tale version id is empty")
	}
	if r.Chapter < 0 {
		return InvalidIdentity(fmt.Sprintf("chapter %d is negative", r.Chapter))
	}
	if r.Page < 0 {
		return InvalidIdentity(fmt.Sprintf("page %d is negative", r.Page))
	}
	return nil
}

// ChapterPage is a chapter and page pair, used to track execution progress.
type ChapterPage struct {
	Chapter int `json:"chapter"`
	Page    int `json:"page"`
}

func (c ChapterPage) String() string {
	return fmt.Sprintf("%d#%d", c.Chapter, c.Page)
}

// Before reports whether c comes strictly before o in reading order.
func (c ChapterPage) Before(o ChapterPage) bool {
	if c.Chapter != o.Chapter {
		return c.Chapter < o.Chapter
	}
	return c.Page < o.Page
}

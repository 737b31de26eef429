package app

import (
	"time"

	"github.com/Masterminds/squirrel"
)

//Criteria helper types understood by ParseCriteria.

type EntityIsNull bool

//EntityTimeBefore matches rows where the tagged column is older than the
//given time. The zero value is ignored.
type EntityTimeBefore struct {
	Column string
	Time   time.Time
}

func (e EntityTimeBefore) ParseCriteria(sb *squirrel.SelectBuilder) error {
	if e.Time.IsZero() {
		return nil
	}

	*sb = sb.Where(squirrel.Lt{e.Column: e.Time})
	return nil
}

package countstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemCountStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()

	c, err := cs.GetCount(ctx, "msg", "user1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(cs.Increment(ctx, "msg", "user1"))
	assert.NoError(cs.Increment(ctx, "msg", "user1"))

	for _, period := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		c, err = cs.GetCount(ctx, "msg", "user1", period)
		assert.NoError(err)
		assert.Equal(2, c)
	}

	c, err = cs.GetCountDistinct(ctx, "nick", "user2", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(cs.IncrementDistinct(ctx, "nick", "user2", "alice"))
	assert.NoError(cs.IncrementDistinct(ctx, "nick", "user2", "alice"))
	assert.NoError(cs.IncrementDistinct(ctx, "nick", "user2", "alice"))
	c, err = cs.GetCountDistinct(ctx, "nick", "user2", PeriodTotal)
	assert.NoError(err)
	assert.Equal(1, c)

	assert.NoError(cs.IncrementDistinct(ctx, "nick", "user2", "bob"))
	assert.NoError(cs.IncrementDistinct(ctx, "nick", "user2", "carol"))

	for _, period := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		c, err = cs.GetCountDistinct(ctx, "nick", "user2", period)
		assert.NoError(err)
		assert.Equal(3, c)
	}
}

func TestMemCountStoreSinglePeriod(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()
	assert.NoError(cs.IncrementPeriod(ctx, "warn", "user1", PeriodDay))
	assert.NoError(cs.IncrementPeriod(ctx, "warn", "user1", PeriodDay))

	c, err := cs.GetCount(ctx, "warn", "user1", PeriodDay)
	assert.NoError(err)
	assert.Equal(2, c)

	// other periods untouched
	c, err = cs.GetCount(ctx, "warn", "user1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
}

func TestMemCountStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()

	// increment the same counters from several goroutines; reads interleave
	// with writes. run with `-race`.
	var wg sync.WaitGroup
	fnInc := func(name, val string, times int) {
		defer wg.Done()
		for i := 0; i < times; i++ {
			assert.NoError(cs.Increment(ctx, name, val))
			assert.NoError(cs.IncrementDistinct(ctx, name, name, val))
			time.Sleep(time.Nanosecond)
		}
	}
	fnRead := func(name, val string, times int) {
		for i := 0; i < times; i++ {
			_, err := cs.GetCount(ctx, name, val, PeriodTotal)
			assert.NoError(err)
			time.Sleep(time.Nanosecond)
		}
	}
	wg.Add(4)
	go fnInc("msg", "user1", 10)
	go fnInc("msg", "user1", 10)
	go fnRead("msg", "user1", 10)
	go fnInc("msg", "user2", 6)
	go fnInc("msg", "user2", 6)
	go fnRead("msg", "user2", 6)
	wg.Wait()

	c, err := cs.GetCount(ctx, "msg", "user1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(20, c)
	c, err = cs.GetCount(ctx, "msg", "user2", PeriodTotal)
	assert.NoError(err)
	assert.Equal(12, c)

	// two distinct vals were recorded under the same bucket
	c, err = cs.GetCountDistinct(ctx, "msg", "msg", PeriodTotal)
	assert.NoError(err)
	assert.Equal(2, c)
}

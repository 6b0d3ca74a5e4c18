package conn

import (
	"testing"
	"time"

	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableCtx(src, dst packet.SocketAddr) packet.L4Context {
	return packet.L4Context{Proto: packet.ProtoTCP, Src: src, Dst: dst}
}

func TestTableGetOrCreateAdmitsAndReuses(t *testing.T) {
	tbl := NewTable(0)
	registry := proto.NewRegistry()
	now := time.Unix(1, 0)

	a := addr("10.0.0.1", 1111)
	b := addr("10.0.0.2", 80)
	ctx := tableCtx(a, b)

	c1, created1, admitted1 := tbl.GetOrCreate(ctx, registry, 4, time.Second, now)
	require.True(t, created1)
	require.True(t, admitted1)
	assert.Equal(t, 1, tbl.Len())

	reverseCtx := tableCtx(b, a)
	c2, created2, admitted2 := tbl.GetOrCreate(reverseCtx, registry, 4, time.Second, now)
	assert.False(t, created2)
	assert.True(t, admitted2)
	assert.Same(t, c1, c2)
}

func TestTableGetOrCreateRefusesAtCapacity(t *testing.T) {
	tbl := NewTable(1)
	registry := proto.NewRegistry()
	now := time.Unix(1, 0)

	ctx1 := tableCtx(addr("10.0.0.1", 1), addr("10.0.0.9", 80))
	_, _, admitted1 := tbl.GetOrCreate(ctx1, registry, 4, time.Second, now)
	require.True(t, admitted1)

	ctx2 := tableCtx(addr("10.0.0.2", 2), addr("10.0.0.9", 80))
	c2, created2, admitted2 := tbl.GetOrCreate(ctx2, registry, 4, time.Second, now)
	assert.Nil(t, c2)
	assert.False(t, created2)
	assert.False(t, admitted2)
	assert.Equal(t, 1, tbl.Len())
}

func TestTableTouchMovesToFront(t *testing.T) {
	tbl := NewTable(0)
	registry := proto.NewRegistry()
	now := time.Unix(1, 0)

	ctx1 := tableCtx(addr("10.0.0.1", 1), addr("10.0.0.9", 80))
	ctx2 := tableCtx(addr("10.0.0.2", 2), addr("10.0.0.9", 80))
	c1, _, _ := tbl.GetOrCreate(ctx1, registry, 4, time.Second, now)
	c2, _, _ := tbl.GetOrCreate(ctx2, registry, 4, time.Second, now)

	tbl.Touch(c1)

	var order []*Connection
	tbl.All(func(c *Connection) bool {
		order = append(order, c)
		return true
	})
	assert.Equal(t, []*Connection{c1, c2}, order)
}

func TestTableRemove(t *testing.T) {
	tbl := NewTable(0)
	registry := proto.NewRegistry()
	now := time.Unix(1, 0)

	ctx := tableCtx(addr("10.0.0.1", 1), addr("10.0.0.9", 80))
	c, _, _ := tbl.GetOrCreate(ctx, registry, 4, time.Second, now)
	tbl.Remove(c)

	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.Get(ctx)
	assert.False(t, ok)
}

func TestTableAllStopsEarly(t *testing.T) {
	tbl := NewTable(0)
	registry := proto.NewRegistry()
	now := time.Unix(1, 0)

	ctx1 := tableCtx(addr("10.0.0.1", 1), addr("10.0.0.9", 80))
	ctx2 := tableCtx(addr("10.0.0.2", 2), addr("10.0.0.9", 80))
	tbl.GetOrCreate(ctx1, registry, 4, time.Second, now)
	tbl.GetOrCreate(ctx2, registry, 4, time.Second, now)

	count := 0
	tbl.All(func(c *Connection) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

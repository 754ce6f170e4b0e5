package ilist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type elem struct {
	Entry

	v int
}

func collect(l *List) []int {
	var out []int
	for it := l.Front(); it != nil; it = it.Next() {
		out = append(out, it.(*elem).v)
	}
	return out
}

func TestList(t *testing.T) {
	var l List

	require.True(t, l.Empty())

	a := &elem{v: 1}
	b := &elem{v: 2}
	c := &elem{v: 3}

	l.PushBack(a)
	l.PushBack(b)
	l.PushFront(c)

	require.False(t, l.Empty())
	require.Equal(t, []int{3, 1, 2}, collect(&l))
	require.Equal(t, c, l.Front())
	require.Equal(t, b, l.Back())

	l.Remove(a)
	require.Equal(t, []int{3, 2}, collect(&l))

	l.Remove(c)
	require.Equal(t, []int{2}, collect(&l))

	l.Remove(b)
	require.True(t, l.Empty())
	require.Nil(t, l.Front())
	require.Nil(t, l.Back())
}

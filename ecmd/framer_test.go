package ecmd

import (
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/distributed/ecmaster/ecfr"
)

func TestCommandFramerScheduling(t *testing.T) {
	type cfSchedulingPair struct {
		lens     []int
		expected [][]int // data lengths per frame
	}

	maxdgram := ecfr.MaxDatagramsLen - ecfr.DatagramOverheadLength

	pairs := []cfSchedulingPair{
		{[]int{6}, [][]int{{6}}},
		{[]int{22, maxdgram}, [][]int{{22}, {maxdgram}}},
		{[]int{128, 96}, [][]int{{128, 96}}},
		{[]int{140, 65, 1400}, [][]int{{140, 65}, {1400}}},
		{[]int{0, 0, 0}, [][]int{{0, 0, 0}}},
	}

	for i, pair := range pairs {
		cf := newCommandFramer(ecfr.MaxDatagramsLen)

		for j, l := range pair.lens {
			cf.add(&slot{index: uint8(j), buf: make([]byte, l), length: l, command: ecfr.FPRD})
		}

		frames := cf.frames()

		var got [][]int
		next := 0
		for _, of := range frames {
			var lens []int
			for k, dg := range of.frame.Datagrams {
				lens = append(lens, len(dg.Data))
				if int(dg.Index) != next {
					t.Fatalf("case %d: datagram %d carries index %d, want %d", i, k, dg.Index, next)
				}
				if of.slots[k].index != dg.Index {
					t.Fatalf("case %d: slot and datagram out of step", i)
				}
				next++
			}
			got = append(got, lens)
		}

		if !reflect.DeepEqual(got, pair.expected) {
			spew.Dump(pair.expected)
			spew.Dump(got)
			t.Fatalf("case %d: unexpected frame packing", i)
		}

		if len(cf.frames()) != 0 {
			t.Fatalf("case %d: frames handed out twice", i)
		}
	}
}

// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

package exception

import "testing"

type recordingUnwinder struct {
	visited []Record
}

func (r *recordingUnwinder) UnwindTo(rec Record) { r.visited = append(r.visited, rec) }

func TestUnwindPrefersInnermostCatch(t *testing.T) {
	var s Stack
	s.Push(Record{CatchOffset: 100, FinallyOffset: NoHandler})
	s.Push(Record{CatchOffset: 200, FinallyOffset: NoHandler})
	u := &recordingUnwinder{}
	rec, disp := s.Unwind(u)
	if disp != EnterCatch || rec.CatchOffset != 200 {
		t.Fatalf("got disp=%v catch=%d", disp, rec.CatchOffset)
	}
	if s.Depth() != 1 {
		t.Fatalf("outer record must remain, depth=%d", s.Depth())
	}
	if len(u.visited) != 1 {
		t.Fatalf("unwinder called %d times", len(u.visited))
	}
}

func TestUnwindEntersFinallyWhenNoCatch(t *testing.T) {
	var s Stack
	s.Push(Record{CatchOffset: NoHandler, FinallyOffset: 300})
	rec, disp := s.Unwind(&recordingUnwinder{})
	if disp != EnterFinally || rec.FinallyOffset != 300 {
		t.Fatalf("got disp=%v finally=%d", disp, rec.FinallyOffset)
	}
	if s.Depth() != 0 {
		t.Fatal("finally record must be popped before entry")
	}
}

func TestUnwindSkipsEmptyRecords(t *testing.T) {
	var s Stack
	s.Push(Record{CatchOffset: 10, FinallyOffset: NoHandler})
	s.Push(Record{CatchOffset: NoHandler, FinallyOffset: NoHandler})
	u := &recordingUnwinder{}
	rec, disp := s.Unwind(u)
	if disp != EnterCatch || rec.CatchOffset != 10 {
		t.Fatalf("got disp=%v catch=%d", disp, rec.CatchOffset)
	}
	if len(u.visited) != 2 {
		t.Fatalf("each popped record must restore depths, visited=%d", len(u.visited))
	}
}

func TestUnwindUncaught(t *testing.T) {
	var s Stack
	if _, disp := s.Unwind(&recordingUnwinder{}); disp != Uncaught {
		t.Fatalf("empty stack must report Uncaught, got %v", disp)
	}
}

func TestTruncateDropsDeeperFrames(t *testing.T) {
	var s Stack
	s.Push(Record{FrameDepth: 1})
	s.Push(Record{FrameDepth: 3})
	s.Push(Record{FrameDepth: 4})
	s.Truncate(2)
	if s.Depth() != 1 {
		t.Fatalf("records above frame 2 must drop, depth=%d", s.Depth())
	}
}

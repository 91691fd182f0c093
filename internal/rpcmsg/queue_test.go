package rpcmsg

import (
	"sync"
	"testing"
)

func TestEventQueueSendReceive(t *testing.T) {
	eq := &EventQueue{Buffer: &Buffer{}, Queue: &Queue{}}

	if !eq.Send(1, 2, 3, 4) {
		t.Fatalf("Send failed on empty queue")
	}

	msg, ok := eq.Receive()
	if !ok {
		t.Fatalf("Receive failed after Send")
	}
	if msg != (Msg{MR0: 1, MR1: 2, MR2: 3, MR3: 4}) {
		t.Fatalf("got %+v, want {1 2 3 4}", msg)
	}

	if _, ok := eq.Receive(); ok {
		t.Fatalf("Receive succeeded on empty queue")
	}
}

func TestEventQueueFillsAndDrains(t *testing.T) {
	eq := &EventQueue{Buffer: &Buffer{}, Queue: &Queue{}}

	for i := 0; i < BufferSize; i++ {
		if !eq.Send(uint64(i), 0, 0, 0) {
			t.Fatalf("Send %d failed before queue should be full", i)
		}
	}
	if !eq.Queue.Full() {
		t.Fatalf("expected queue full after %d sends", BufferSize)
	}
	if eq.Send(99, 0, 0, 0) {
		t.Fatalf("Send succeeded on full queue")
	}

	for i := 0; i < BufferSize; i++ {
		msg, ok := eq.Receive()
		if !ok {
			t.Fatalf("Receive %d failed", i)
		}
		if msg.MR0 != uint64(i) {
			t.Fatalf("Receive %d: got MR0=%d, want %d", i, msg.MR0, i)
		}
	}
	if !eq.Queue.Empty() {
		t.Fatalf("expected queue empty after draining")
	}
}

func TestRPCQueueRequestReply(t *testing.T) {
	req := &RPCQueue{Buffer: &Buffer{}, Queue: &Queue{}}
	resp := &RPCQueue{Buffer: req.Buffer, Queue: &Queue{}}

	id, ok := req.Request(WithOpcode(0, OpMMIO), 0, 0xdead, 0)
	if !ok {
		t.Fatalf("Request failed")
	}

	msg, gotID, ok := req.Receive()
	if !ok {
		t.Fatalf("Receive failed")
	}
	if gotID != id {
		t.Fatalf("Receive id=%d, want %d", gotID, id)
	}
	if Opcode(msg.MR0) != OpMMIO {
		t.Fatalf("opcode=%d, want OpMMIO", Opcode(msg.MR0))
	}

	if !resp.Reply(gotID, WithOpcode(0, OpMMIO), 0, 0xbeef, 0) {
		t.Fatalf("Reply failed")
	}

	reply, txID, ok := resp.ReceiveResponse()
	if !ok {
		t.Fatalf("ReceiveResponse failed")
	}
	if txID != id {
		t.Fatalf("ReceiveResponse id=%d, want %d", txID, id)
	}
	if reply.MR2 != 0xbeef {
		t.Fatalf("reply MR2=%#x, want 0xbeef", reply.MR2)
	}

	req.Reclaim(txID)
}

func TestRPCQueueBufferExhaustion(t *testing.T) {
	req := &RPCQueue{Buffer: &Buffer{}, Queue: &Queue{}}

	ids := make([]uint16, 0, BufferSize)
	for i := 0; i < BufferSize; i++ {
		id, ok := req.Request(0, 0, 0, 0)
		if !ok {
			t.Fatalf("Request %d failed before buffer should be exhausted", i)
		}
		ids = append(ids, id)
	}

	if _, ok := req.Request(0, 0, 0, 0); ok {
		t.Fatalf("Request succeeded with no free buffer slots")
	}

	// The ring is full as well; consume the first request before its
	// buffer slot is reclaimed, as a real reply round trip would.
	if _, _, ok := req.Receive(); !ok {
		t.Fatalf("Receive failed on a full queue")
	}
	req.Reclaim(ids[0])
	if _, ok := req.Request(0, 0, 0, 0); !ok {
		t.Fatalf("Request failed after reclaiming a slot")
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 4

	eq := &EventQueue{Buffer: &Buffer{}, Queue: &Queue{}}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !eq.Send(uint64(p), uint64(i), 0, 0) {
				}
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[[2]uint64]int)
	for i := 0; i < producers*perProducer; i++ {
		msg, ok := eq.Receive()
		if !ok {
			t.Fatalf("Receive %d failed, expected %d total messages", i, producers*perProducer)
		}
		seen[[2]uint64{msg.MR0, msg.MR1}]++
	}

	for p := 0; p < producers; p++ {
		for i := 0; i < perProducer; i++ {
			if seen[[2]uint64{uint64(p), uint64(i)}] != 1 {
				t.Fatalf("message (%d,%d) seen %d times, want 1", p, i, seen[[2]uint64{uint64(p), uint64(i)}])
			}
		}
	}
}

func TestMMIOBitfields(t *testing.T) {
	mr0 := WithOpcode(0, OpMMIO)
	mr0 = WithMMIOSlot(mr0, 5)
	mr0 = WithMMIODirection(mr0, MMIODirectionWrite)
	mr0 = WithMMIOAddrSpace(mr0, AddrSpaceGlobal)
	mr0 = WithMMIOLength(mr0, 4)

	if Opcode(mr0) != OpMMIO {
		t.Fatalf("opcode=%d, want OpMMIO", Opcode(mr0))
	}
	if MMIOSlot(mr0) != 5 {
		t.Fatalf("slot=%d, want 5", MMIOSlot(mr0))
	}
	if MMIODirection(mr0) != MMIODirectionWrite {
		t.Fatalf("direction=%d, want write", MMIODirection(mr0))
	}
	if MMIOAddrSpace(mr0) != AddrSpaceGlobal {
		t.Fatalf("addrspace=%d, want global", MMIOAddrSpace(mr0))
	}
	if MMIOLength(mr0) != 4 {
		t.Fatalf("length=%d, want 4", MMIOLength(mr0))
	}
}

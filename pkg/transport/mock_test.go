package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petoiwire/pkg/protocol"
	"petoiwire/pkg/transport"
)

func send(t *testing.T, link *transport.Link, wire protocol.Wire) string {
	t.Helper()
	resp, err := link.Send(context.Background(), wire, time.Second, true)
	require.NoError(t, err)
	return resp
}

func frame(t *testing.T, token string, params ...int32) protocol.Wire {
	t.Helper()
	wire, err := protocol.Encode(token, params)
	require.NoError(t, err)
	return wire
}

func TestMockJointTable(t *testing.T) {
	dev := transport.NewDevice(transport.WithJoints([]int{0, 0, 30}))
	link := transport.NewMockLink(dev)
	defer link.Close()

	assert.Equal(t, []int{0, 0, 30}, protocol.ParseJointTable(send(t, link, protocol.Text("j"))))
	assert.Equal(t, 30, protocol.ParseScalar(send(t, link, protocol.Text("j 2"))))
}

func TestMockAppliesMoves(t *testing.T) {
	dev := transport.NewDevice()
	link := transport.NewMockLink(dev)
	defer link.Close()

	send(t, link, protocol.Text("m 2 10 3 -200"))
	wire, err := protocol.Encode("I", []int32{4, -20})
	require.NoError(t, err)
	send(t, link, wire)

	joints := dev.Joints()
	assert.Equal(t, 10, joints[2])
	assert.Equal(t, -125, joints[3])
	assert.Equal(t, -20, joints[4])
}

func TestMockPinsAndSensors(t *testing.T) {
	dev := transport.NewDevice(transport.WithDistance(17))
	link := transport.NewMockLink(dev)
	defer link.Close()

	send(t, link, frame(t, "Wa", 3, 200))
	assert.Equal(t, 200, protocol.ParseScalar(send(t, link, frame(t, "Ra", 3))))
	assert.Equal(t, 0, protocol.ParseScalar(send(t, link, frame(t, "Rd", 9))))
	assert.Equal(t, 17, protocol.ParseScalar(send(t, link, frame(t, "XU", 8, 8))))
}

func TestMockFramesWithTerminatorValuedParams(t *testing.T) {
	dev := transport.NewDevice()
	link := transport.NewMockLink(dev)
	defer link.Close()

	assert.Equal(t, "W\n", send(t, link, frame(t, "Wa", 3, 126)))
	assert.Equal(t, 126, protocol.ParseScalar(send(t, link, frame(t, "Ra", 3))))

	// -130 masks to the terminator byte.
	send(t, link, frame(t, "M", 0, -130))
	assert.Equal(t, 125, dev.Joints()[0])

	send(t, link, frame(t, "B", 126, 4))
	send(t, link, frame(t, "L", 1, 126, 2))
	assert.Equal(t, []int{1, 126, 2}, dev.Joints()[:3])
	assert.Equal(t, 42, protocol.ParseScalar(send(t, link, frame(t, "XU", 126, 126))))
}

func TestMockCameraFrames(t *testing.T) {
	link := transport.NewMockLink(transport.NewDevice())
	defer link.Close()

	send(t, link, protocol.Text("XCr"))
	first := protocol.ParseCameraCoordinate(send(t, link, protocol.Text("XCp")), "")
	second := protocol.ParseCameraCoordinate(send(t, link, protocol.Text("XCp")), "")
	require.True(t, first.Found)
	require.True(t, second.Found)
	assert.NotEqual(t, first.X, second.X)
}

func TestMockListenAndServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- transport.NewDevice().ListenAndServe(ctx, addr) }()

	var link *transport.Link
	require.Eventually(t, func() bool {
		link, err = transport.DialTCP(ctx, addr)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer link.Close()

	assert.Equal(t, "k\n", send(t, link, protocol.Text("kbalance")))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("mock server did not stop")
	}
}

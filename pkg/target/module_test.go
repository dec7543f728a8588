package target

import (
	"errors"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

func testFS(t *testing.T) procfs.FS {
	fs, err := procfs.NewFS("testdata/proc")
	require.NoError(t, err)
	return fs
}

func TestFindModule(t *testing.T) {
	fs := testFS(t)

	tests := []struct {
		name string
		want Module
	}{
		{"tiny-glade.exe", Module{Name: "tiny-glade.exe", Path: "/opt/glade/tiny-glade.exe", Base: 0x400000, End: 0x158b000}},
		{"TINY-GLADE.EXE", Module{Name: "tiny-glade.exe", Path: "/opt/glade/tiny-glade.exe", Base: 0x400000, End: 0x158b000}},
		{"", Module{Name: "tiny-glade.exe", Path: "/opt/glade/tiny-glade.exe", Base: 0x400000, End: 0x158b000}},
		{"libc.so.6", Module{Name: "libc.so.6", Path: "/usr/lib/x86_64-linux-gnu/libc.so.6", Base: 0x7f2a1e3d4000, End: 0x7f2a1e56e000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := FindModule(fs, 4242, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
		})
	}
}

func TestFindModuleMissing(t *testing.T) {
	_, err := FindModule(testFS(t), 4242, "bevy.dll")
	assert.True(t, errors.Is(err, ErrModuleNotFound))

	_, err = FindModule(testFS(t), 1, "")
	assert.Error(t, err)
}

func TestModuleResolve(t *testing.T) {
	// 同一个相对偏移在不同加载基址下都指向同一条指令
	off := symbol.Offset(0x82ab30)
	for _, base := range []uint64{0x140000000, 0x400000, 0x7f0012340000} {
		m := Module{Base: base, End: base + 0x2000000}
		addr := m.Resolve(off)
		assert.Equal(t, base+0x82ab30, addr)

		back, ok := m.Offset(addr)
		require.True(t, ok)
		assert.Equal(t, off, back)
	}

	_, ok := Module{Base: 0x1000, End: 0x2000}.Offset(0x2000)
	assert.False(t, ok)
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "game.exe", imageName(`Z:\games\glade\game.exe`))
	assert.Equal(t, "libc.so.6", imageName("/usr/lib/libc.so.6 (deleted)"))
}

func TestReadProcComm(t *testing.T) {
	fs := testFS(t)

	comm, err := readProcComm(fs, 4242)
	require.NoError(t, err)
	assert.Equal(t, "tiny-glade.exe", comm)

	args, err := readProcCommArgs(fs, 4242)
	require.NoError(t, err)
	assert.Equal(t, []string{"--fullscreen"}, args)
}

func TestParseABI(t *testing.T) {
	abi, err := ParseABI("WIN64")
	require.NoError(t, err)
	assert.Equal(t, Win64, abi)
	assert.Equal(t, "win64", abi.String())

	abi, err = ParseABI("")
	require.NoError(t, err)
	assert.Equal(t, SysV, abi)

	_, err = ParseABI("arm64")
	assert.Error(t, err)
}

func TestProcState(t *testing.T) {
	fs := testFS(t)
	dbp := &DebuggedProcess{fs: &fs}

	assert.Equal(t, statusTraceStop, dbp.procState(4242))
	assert.Equal(t, "", dbp.procState(1))
}

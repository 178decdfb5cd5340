package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/coupon"
)

func writeGz(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return path
}

func TestFindDuplicates(t *testing.T) {
	ctx := context.Background()
	files := []string{
		writeGz(t, "a.gz", "SPRING001", "SPRING002", "shared9", "BOTHAB1"),
		writeGz(t, "b.gz", "SPRING003", "BOTHAB1", "BOTHBC1"),
		writeGz(t, "c.gz", "BOTHBC1", "SPRING004"),
	}

	filters, err := buildBloomFilters(ctx, files)
	require.NoError(t, err)

	owners, err := findDuplicates(ctx, files, filters)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"BOTHAB1": 0, "BOTHBC1": 1}, owners)
}

func TestStreamCodes_TrimsAndSkipsBlank(t *testing.T) {
	path := writeGz(t, "codes.gz", "  ABC123 ", "", "XYZ789")

	var got []string
	require.NoError(t, streamCodes(context.Background(), path, func(code string) {
		got = append(got, code)
	}))
	assert.Equal(t, []string{"ABC123", "XYZ789"}, got)
}

func TestImportFile_DryRunStats(t *testing.T) {
	path := writeGz(t, "codes.gz", "GOOD001", "bad-code", "DUPE001", "GOOD002")

	var st stats
	owners := map[string]int{"DUPE001": 0}
	require.NoError(t, importFile(context.Background(), nil, 10, 1, path, owners, &coupon.Coupon{}, &st))

	assert.EqualValues(t, 4, st.read.Load())
	assert.EqualValues(t, 1, st.invalid.Load())
	assert.EqualValues(t, 1, st.duplicates.Load())
	assert.EqualValues(t, 0, st.inserted.Load())
}

func TestOptionsTemplate(t *testing.T) {
	tests := []struct {
		name    string
		opts    options
		wantErr bool
	}{
		{
			name: "percentage with cap",
			opts: options{discountType: "percentage", value: "10", maxDiscount: "50000", minOrder: "0", usageType: "SINGLE_USE"},
		},
		{
			name: "limited fixed",
			opts: options{discountType: "FIXED", value: "200000", minOrder: "0", usageType: "limited_use", usageLimit: 5},
		},
		{
			name:    "limited without limit",
			opts:    options{discountType: "FIXED", value: "1", minOrder: "0", usageType: "LIMITED_USE"},
			wantErr: true,
		},
		{
			name:    "bad value",
			opts:    options{discountType: "FIXED", value: "abc", minOrder: "0", usageType: "SINGLE_USE"},
			wantErr: true,
		},
		{
			name:    "bad time",
			opts:    options{discountType: "FIXED", value: "1", minOrder: "0", usageType: "SINGLE_USE", validUntil: "tomorrow"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.opts.template()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, c.IsActive)
		})
	}
}

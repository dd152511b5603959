package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvFileOverridesDefaults(t *testing.T) {
	c := defaults()
	parseEnvFile("QDL_USB_VID=0x1234\nQDL_USB_PID=0x5678\n# comment\nQDL_STORAGE=emmc\nQDL_SECTOR_SIZE=512\n", c)

	assert.Equal(t, uint16(0x1234), c.USBVendorID)
	assert.Equal(t, uint16(0x5678), c.USBProductID)
	assert.Equal(t, "emmc", c.StorageKind)
	assert.Equal(t, uint32(512), c.SectorSize)
}

func TestParseEnvFileIgnoresBlankAndMalformedLines(t *testing.T) {
	c := defaults()
	before := *c
	parseEnvFile("\n   \n# just a comment\nNOT_AN_ASSIGNMENT\n", c)
	assert.Equal(t, before, *c)
}

func TestDefaultsUseQualcommSaharaVIDPID(t *testing.T) {
	c := defaults()
	assert.Equal(t, uint16(0x05C6), c.USBVendorID)
	assert.Equal(t, uint16(0x9008), c.USBProductID)
}

package config

import (
	up "go.mau.fi/util/configupgrade"
)

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str|up.Null, "synapse_db", "type")
	helper.Copy(up.Str|up.Null, "synapse_db", "uri")
	helper.Copy(up.Int|up.Null, "synapse_db", "max_open_conns")
	helper.Copy(up.Int|up.Null, "synapse_db", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "synapse_db", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "synapse_db", "max_conn_lifetime")

	helper.Copy(up.Int, "resolution", "event_cache_size")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"synapse_db"},
	{"resolution"},
	{"logging"},
}

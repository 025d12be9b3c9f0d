package main

// CLIResult is the JSON envelope for every command.
type CLIResult struct {
	Command    string `json:"command"`
	Results    any    `json:"results"`
	TotalCount *int   `json:"total_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CLIBuildSummary reports one build-and-expand cycle.
type CLIBuildSummary struct {
	Built      []string `json:"built"`
	Reused     int      `json:"reused"`
	Removed    []string `json:"removed,omitempty"`
	Rounds     int      `json:"rounds"`
	Expanded   int      `json:"expanded"`
	Failed     int      `json:"failed"`
	Registered int      `json:"registered"`
	Collected  int      `json:"collected"`
	Duration   string   `json:"duration"`
}

// CLIUnit is a registered source unit.
type CLIUnit struct {
	Handle  string `json:"handle"`
	Depth   int    `json:"depth"`
	Mode    string `json:"mode"`
	Records int    `json:"records"`
}

// CLIExpansion is one expansion record.
type CLIExpansion struct {
	Handle   string `json:"handle"`
	Position int    `json:"position"`
	Macro    string `json:"macro,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Depth    int    `json:"depth"`
}

// CLIDefinition is an item visible from a compilation unit.
type CLIDefinition struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Start  int    `json:"start"`
}

// CLIGenerated is the text of an expansion output with its attributes.
type CLIGenerated struct {
	Handle   string     `json:"handle"`
	Producer string     `json:"producer,omitempty"`
	Content  string     `json:"content"`
	MixHash  string     `json:"mix_hash,omitempty"`
	Ranges   []CLIRange `json:"ranges,omitempty"`
}

// CLIRange maps a call body range to an output range.
type CLIRange struct {
	SrcStart int `json:"src_start"`
	SrcEnd   int `json:"src_end"`
	OutStart int `json:"out_start"`
	OutEnd   int `json:"out_end"`
}

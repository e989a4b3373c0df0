package cat

import "regexp"

// Frequency limits accepted by the K4 VFOs, in Hz
const (
	MinFrequency = 30000
	MaxFrequency = 74800000
)

func ev(wire, label string) EnumValue { return EnumValue{Wire: wire, Label: label} }

var (
	onOff   = []EnumValue{ev("0", "off"), ev("1", "on")}
	modes   = []EnumValue{ev("1", "LSB"), ev("2", "USB"), ev("3", "CW"), ev("4", "FM"), ev("5", "AM"), ev("6", "DATA"), ev("7", "CW-R"), ev("9", "DATA-R")}
	mixes   = []EnumValue{ev("A.B", "a.b"), ev("AB.AB", "ab.ab"), ev("A.-A", "a.-a"), ev("A.AB", "a.ab"), ev("AB.B", "ab.b"), ev("AB.A", "ab.a"), ev("B.AB", "b.ab"), ev("B.B", "b.b"), ev("B.A", "b.a"), ev("A.A", "a.a")}
	digits3 = regexp.MustCompile(`^\d{3}$`)
)

func get(mn, field, label string) Descriptor {
	return Descriptor{Mnemonic: mn, Op: OpGet, Domain: Domain{Kind: DomainText, MaxLen: 64}, Field: field, Label: label}
}

func act(mn, field, label string) Descriptor {
	return Descriptor{Mnemonic: mn, Op: OpSet, Domain: Domain{Kind: DomainNone}, Field: field, Label: label}
}

func rng(mn string, op OpKind, min, max, width int, field, label string) Descriptor {
	return Descriptor{Mnemonic: mn, Op: op, Domain: Domain{Kind: DomainIntRange, Min: min, Max: max, Width: width}, Field: field, Label: label}
}

func enm(mn string, op OpKind, field, label string, values ...EnumValue) Descriptor {
	return Descriptor{Mnemonic: mn, Op: op, Domain: Domain{Kind: DomainEnum, Values: values}, Field: field, Label: label}
}

func frq(mn string, op OpKind, field, label string) Descriptor {
	return Descriptor{Mnemonic: mn, Op: op, Domain: Domain{Kind: DomainFrequency, Min: MinFrequency, Max: MaxFrequency, Width: 11}, Field: field, Label: label}
}

func txt(mn string, op OpKind, maxLen int, pattern *regexp.Regexp, field, label string) Descriptor {
	return Descriptor{Mnemonic: mn, Op: op, Domain: Domain{Kind: DomainText, MaxLen: maxLen, Pattern: pattern}, Field: field, Label: label}
}

func (d Descriptor) sub() Descriptor {
	d.Sub = true
	return d
}

func (d Descriptor) with(actions ...Action) Descriptor {
	d.Actions = append(append([]Action{}, d.Actions...), actions...)
	return d
}

func (d Descriptor) signed() Descriptor {
	d.Domain.ForceSign = true
	return d
}

func ints(from, to int) []EnumValue {
	out := make([]EnumValue, 0, to-from+1)
	for i := from; i <= to; i++ {
		w := string(rune('0' + i))
		out = append(out, ev(w, w))
	}
	return out
}

var upDown = []Action{ActUp, ActDown}

// k4Commands is the K4 command vocabulary
var k4Commands = []Descriptor{
	// VFO and frequency
	frq("FA", OpGetSet, "vfo_a_freq", "VFO A frequency").with(upDown...),
	frq("FB", OpGetSet, "vfo_b_freq", "VFO B frequency").with(upDown...),
	frq("FI", OpGet, "pan_center", "Panadapter center frequency"),
	enm("FT", OpGetSet, "split", "Split", onOff...).with(ActToggle),
	enm("FR", OpGetSet, "rx_vfo", "Receive VFO", ev("0", "A"), ev("1", "B")),
	act("FC", "pan_center_vfo", "Center panadapter on VFO").sub(),
	rng("UP", OpSet, 0, 9, 1, "vfo_a_up", "VFO A up by step"),
	rng("UPB", OpSet, 0, 9, 1, "vfo_b_up", "VFO B up by step"),
	rng("DN", OpSet, 0, 9, 1, "vfo_a_down", "VFO A down by step"),
	rng("DNB", OpSet, 0, 9, 1, "vfo_b_down", "VFO B down by step"),
	act("AB", "vfo_copy", "Copy VFO A to B"),
	act("SWAP", "vfo_swap", "Exchange VFO A and B"),
	rng("VT", OpGetSet, 0, 5, 1, "tuning_rate", "VFO tuning rate").sub().with(upDown...),
	enm("LK", OpGetSet, "vfo_lock", "VFO lock", onOff...).sub().with(ActToggle),
	enm("LN", OpGetSet, "vfo_link", "VFO link", onOff...).with(ActToggle),
	enm("RT", OpGetSet, "rit", "RIT", onOff...).with(ActToggle),
	enm("XT", OpGetSet, "xit", "XIT", onOff...).with(ActToggle),
	rng("RO", OpGetSet, -9999, 9999, 4, "rit_offset", "RIT/XIT offset").signed(),
	act("RC", "rit_clear", "Clear RIT/XIT offset"),
	act("RU", "rit_up", "RIT/XIT up"),
	act("RD", "rit_down", "RIT/XIT down"),
	rng("BN", OpGetSet, 0, 25, 2, "band", "Band number").sub().with(ActUp, ActDown, ActStackUp, ActStackNext),
	enm("BS", OpGetSet, "band_stack", "Band stack register", ints(1, 3)...).sub(),
	rng("MC", OpGetSet, 0, 199, 3, "memory_channel", "Memory channel"),
	txt("ME", OpGetSet, 64, nil, "memory_entry", "Memory channel contents"),
	act("MV", "memory_to_vfo", "Memory to VFO"),
	txt("MW", OpSet, 3, digits3, "memory_write", "VFO to memory"),
	act("SCN", "scan", "Start scan"),
	enm("SPT", OpSet, "spot", "Spot", onOff...),

	// Mode and data
	enm("MD", OpGetSet, "mode", "Operating mode", modes...).sub().with(upDown...),
	enm("DT", OpGetSet, "data_mode", "Data sub-mode", ev("0", "DATA A"), ev("1", "AFSK A"), ev("2", "FSK D"), ev("3", "PSK D")).sub(),
	rng("DR", OpGetSet, 0, 3, 1, "data_rate", "FSK/PSK data rate"),
	enm("DV", OpGetSet, "diversity", "Diversity receive", onOff...).with(ActToggle),
	enm("TT", OpGetSet, "text_decode", "Text decode", ints(0, 4)...).sub(),
	rng("TH", OpGetSet, 0, 9, 1, "text_threshold", "Text decode threshold").sub(),
	get("TB", "text_buffer", "Decoded text buffer"),

	// Filters
	rng("BW", OpGetSet, 5, 4000, 4, "bandwidth", "Filter bandwidth (10 Hz)").sub().with(upDown...),
	rng("IS", OpGetSet, 0, 9999, 4, "if_shift", "Filter shift (10 Hz)").sub().with(upDown...).with(ActNormalize),
	rng("HC", OpGetSet, 0, 9999, 4, "hi_cut", "Filter high cut (10 Hz)").sub(),
	rng("LC", OpGetSet, 0, 9999, 4, "lo_cut", "Filter low cut (10 Hz)").sub(),
	enm("FP", OpGetSet, "filter_preset", "Filter preset", ints(1, 3)...).sub().with(upDown...),
	rng("CW", OpGetSet, 25, 95, 2, "cw_pitch", "CW pitch (10 Hz)").sub(),
	enm("AP", OpGetSet, "apf", "Audio peak filter", onOff...).sub().with(ActToggle),
	rng("APB", OpGetSet, 0, 2, 1, "apf_bandwidth", "Audio peak filter bandwidth").sub(),
	enm("XF", OpGetSet, "xfil", "Crystal filter", ints(1, 5)...).sub().with(upDown...),

	// Noise
	txt("NB", OpGetSet, 5, regexp.MustCompile(`^\d{3,5}$`), "noise_blanker", "Noise blanker").sub().with(ActToggle),
	txt("NR", OpGetSet, 3, digits3, "noise_reduction", "Noise reduction").sub().with(ActToggle),
	enm("NA", OpGetSet, "auto_notch", "Auto notch", onOff...).sub().with(ActToggle),
	enm("NM", OpGetSet, "manual_notch", "Manual notch", onOff...).sub().with(ActToggle),
	rng("NF", OpGetSet, 150, 5000, 4, "notch_freq", "Manual notch frequency").sub(),
	rng("NL", OpGetSet, 0, 21, 2, "nb_level", "Noise blanker level").sub(),
	enm("NBF", OpGetSet, "nb_filter", "Noise blanker filter", ints(0, 2)...).sub(),

	// Receive
	enm("SB", OpGetSet, "sub_rx", "Sub receiver", onOff...).with(ActToggle),
	rng("AG", OpGetSet, 0, 60, 3, "af_gain", "AF gain").sub().with(upDown...),
	rng("RG", OpGetSet, 0, 60, 3, "rf_gain", "RF gain").sub().with(upDown...),
	rng("SQ", OpGetSet, 0, 29, 3, "squelch", "Squelch").sub().with(upDown...),
	enm("PA", OpGetSet, "preamp", "Preamp", ints(0, 3)...).sub().with(ActToggle),
	rng("RA", OpGetSet, 0, 21, 2, "attenuator", "Attenuator (dB)").sub().with(upDown...),
	enm("GT", OpGetSet, "agc", "AGC", ev("0", "off"), ev("1", "slow"), ev("2", "fast")).sub().with(ActToggle),
	rng("GD", OpGetSet, 1, 20, 2, "agc_decay", "AGC decay").sub(),
	rng("GS", OpGetSet, 0, 60, 2, "agc_slope", "AGC slope").sub(),
	rng("AL", OpGetSet, 1, 30, 2, "agc_threshold", "AGC threshold").sub(),
	rng("AR", OpGetSet, 0, 7, 1, "rx_antenna", "Receive antenna").sub().with(ActToggle),
	enm("AN", OpGetSet, "tx_antenna", "Transmit antenna", ints(1, 3)...).with(ActToggle),
	enm("AT", OpGetSet, "atu", "ATU mode", ev("0", "bypass"), ev("1", "auto"), ev("2", "tune")),
	act("ATT", "atu_tune", "Start ATU tune"),
	rng("SM", OpGet, 0, 42, 4, "s_meter", "S-meter").sub(),
	rng("SMH", OpGet, 0, 255, 3, "s_meter_hires", "S-meter high resolution").sub(),
	rng("BG", OpGet, 0, 42, 2, "bargraph", "Bar graph"),
	enm("MX", OpGetSet, "audio_mix", "Audio mix", mixes...).with(ActToggle),
	rng("BL", OpGetSet, 0, 100, 3, "balance", "Main/sub balance").with(upDown...),
	rng("LO", OpGetSet, 0, 40, 3, "line_out", "Line out level").sub(),
	rng("LI", OpGetSet, 0, 250, 3, "line_in", "Line in level"),
	enm("MI", OpGetSet, "mic_input", "Mic input", ints(0, 4)...),
	rng("SL", OpGetSet, 0, 60, 3, "speaker_level", "Speaker level"),
	rng("HL", OpGetSet, 0, 60, 3, "headphone_level", "Headphone level"),
	enm("HP", OpGetSet, "headphone_mode", "Headphone mode", ints(0, 2)...),
	txt("RE", OpGetSet, 40, nil, "rx_eq", "RX equalizer").sub(),
	enm("EM", OpGetSet, "audio_encoding", "Audio stream encoding", ev("0", "raw32"), ev("1", "raw16"), ev("2", "opus16"), ev("3", "opus_float")),

	// Transmit
	act("TX", "tx", "Transmit"),
	act("RX", "rx", "Receive"),
	enm("TQ", OpGet, "tx_state", "Transmit state", onOff...),
	rng("PC", OpGetSet, 0, 110, 3, "power", "Power output (W)").with(upDown...),
	rng("TP", OpGetSet, 0, 110, 3, "tune_power", "Tune power (W)"),
	enm("TU", OpGetSet, "tune", "Tune", onOff...).with(ActToggle),
	rng("PO", OpGet, 0, 1200, 4, "power_out", "Measured power output"),
	rng("MG", OpGetSet, 0, 80, 3, "mic_gain", "Mic gain").with(upDown...),
	rng("CP", OpGetSet, 0, 40, 3, "compression", "Speech compression").with(upDown...),
	rng("ML", OpGetSet, 0, 60, 3, "monitor_level", "Monitor level").with(upDown...),
	enm("VX", OpGetSet, "vox", "VOX", onOff...).with(ActToggle),
	rng("VG", OpGetSet, 0, 60, 3, "vox_gain", "VOX gain"),
	rng("VI", OpGetSet, 0, 60, 3, "anti_vox", "Anti-VOX"),
	rng("VD", OpGetSet, 0, 250, 3, "vox_delay", "VOX delay (10 ms)"),
	txt("TE", OpGetSet, 40, nil, "tx_eq", "TX equalizer"),
	enm("ES", OpGetSet, "essb", "ESSB", onOff...).with(ActToggle),
	rng("ESB", OpGetSet, 30, 45, 2, "essb_bandwidth", "ESSB bandwidth (100 Hz)"),
	enm("TXM", OpGetSet, "tx_monitor", "TX monitor", onOff...),
	rng("SWR", OpGet, 10, 999, 3, "swr", "SWR x10"),
	rng("ALC", OpGet, 0, 100, 3, "alc", "ALC level"),
	rng("ID", OpGet, 0, 999, 3, "radio_id", "Radio identifier"),
	enm("TXI", OpGetSet, "tx_inhibit", "TX inhibit", onOff...),
	rng("TMO", OpGetSet, 0, 30, 2, "tx_timeout", "TX timeout (min)"),
	rng("DLY", OpGetSet, 0, 250, 3, "tx_delay", "TX delay (ms)"),
	enm("PTT", OpGetSet, "ptt_source", "PTT source", ints(0, 3)...),

	// CW and keyer
	rng("KS", OpGetSet, 8, 100, 3, "keyer_speed", "Keyer speed (WPM)").with(upDown...),
	txt("KY", OpSet, 24, nil, "keyer_text", "Send CW text"),
	rng("KT", OpSet, 1, 8, 1, "keyer_message", "Play keyer message"),
	act("KZ", "keyer_abort", "Abort keyer message"),
	rng("KW", OpGetSet, 9, 15, 2, "keyer_weight", "Keyer weight"),
	enm("KI", OpGetSet, "keyer_iambic", "Keyer iambic mode", ev("A", "iambic A"), ev("B", "iambic B")),
	enm("KP", OpGetSet, "keyer_paddle", "Paddle orientation", ev("0", "normal"), ev("1", "reversed")),
	rng("SD", OpGetSet, 0, 2500, 4, "qsk_delay", "Semi break-in delay (ms)"),
	enm("QS", OpGetSet, "qsk", "Full break-in", onOff...).with(ActToggle),
	rng("SV", OpGetSet, 0, 60, 3, "sidetone_volume", "Sidetone volume"),
	enm("CWR", OpGetSet, "cw_reverse", "CW reverse", onOff...).with(ActToggle),
	enm("CWT", OpGetSet, "cw_tune", "CW tune indicator", onOff...),
	rng("CWS", OpGetSet, 0, 3, 1, "cw_shape", "CW rise time"),

	// Voice and messages
	rng("MP", OpSet, 1, 8, 1, "message_play", "Play voice message"),
	rng("MR", OpSet, 1, 8, 1, "message_record", "Record voice message"),
	act("MS", "message_stop", "Stop voice message"),
	rng("RPT", OpGetSet, 0, 60, 2, "message_repeat", "Message repeat interval (s)"),

	// FM and repeater
	rng("OF", OpGetSet, 0, 9999, 4, "repeater_offset", "Repeater offset (kHz)"),
	enm("OS", OpGetSet, "offset_direction", "Offset direction", ev("0", "simplex"), ev("1", "+"), ev("2", "-")),
	rng("CT", OpGetSet, 0, 50, 2, "ctcss_tone", "CTCSS tone index"),
	enm("TN", OpGetSet, "tone", "Tone mode", ints(0, 2)...),
	rng("FMD", OpGetSet, 0, 9, 1, "fm_deviation", "FM deviation"),

	// Panadapter and display
	rng("#SPN", OpGetSet, 6000, 368000, 6, "span", "Panadapter span (Hz)").sub().with(upDown...),
	rng("#REF", OpGetSet, -200, 60, 3, "reference_level", "Reference level (dB)").sub().with(upDown...),
	rng("#HREF", OpGetSet, -200, 60, 3, "hires_reference", "High-res reference level").sub(),
	rng("#SCL", OpGetSet, 10, 150, 3, "scale", "Display scale (dB)").sub(),
	rng("#AVG", OpGetSet, 1, 20, 2, "averaging", "Spectrum averaging").sub(),
	rng("#FPS", OpGetSet, 1, 30, 2, "pan_fps", "Panadapter frame rate"),
	enm("#AR", OpGetSet, "auto_ref", "Auto reference level", onOff...).sub().with(ActToggle),
	rng("#ARO", OpGetSet, -20, 20, 2, "auto_ref_offset", "Auto reference offset").sub(),
	enm("#PKM", OpGetSet, "peak_mode", "Peak hold", onOff...).sub().with(ActToggle),
	enm("#FRZ", OpGetSet, "freeze", "Freeze display", onOff...).sub().with(ActToggle),
	enm("#DSM", OpGetSet, "display_mode", "Display mode", ints(0, 3)...),
	enm("#DPM", OpGetSet, "dual_pan", "Dual panadapter", ints(0, 2)...),
	enm("#MP", OpGetSet, "mini_pan", "Mini panadapter", onOff...).sub().with(ActToggle),
	enm("#NB", OpGetSet, "pan_nb", "Panadapter noise blanker", onOff...).sub().with(ActToggle),
	rng("#NBL", OpGetSet, 0, 15, 2, "pan_nb_level", "Panadapter noise blanker level").sub(),
	enm("#FXT", OpGetSet, "fixed_tune", "Fixed tune mode", onOff...).sub().with(ActToggle),
	enm("#FXA", OpGetSet, "fixed_anchor", "Fixed tune anchor", ints(0, 2)...).sub(),
	enm("#VFA", OpGetSet, "vfo_a_cursor", "VFO A cursor", ints(0, 3)...),
	enm("#VFB", OpGetSet, "vfo_b_cursor", "VFO B cursor", ints(0, 3)...),
	enm("#WFC", OpGetSet, "waterfall_color", "Waterfall palette", ints(0, 4)...),
	rng("#WFH", OpGetSet, 0, 100, 3, "waterfall_height", "Waterfall height (%)"),
	rng("#WFS", OpGetSet, 1, 4, 1, "waterfall_speed", "Waterfall speed"),
	enm("#TRC", OpGetSet, "trace_style", "Spectrum trace style", ints(0, 2)...),
	rng("#BRT", OpGetSet, 1, 10, 2, "brightness", "Display brightness"),
	enm("#HDR", OpGetSet, "header", "Header line", onOff...),
	enm("#CUR", OpGetSet, "cursor", "Cursor display", onOff...).with(ActToggle),
	enm("#MKR", OpGetSet, "markers", "Band edge markers", onOff...),
	enm("#GRD", OpGetSet, "grid", "Display grid", onOff...),
	rng("#CTR", OpGetSet, 0, 100, 3, "center_offset", "Center offset (%)").sub(),
	enm("#TRK", OpGetSet, "tracking", "Span tracking", onOff...).sub().with(ActToggle),
	enm("#EXP", OpGetSet, "expand", "Expanded display", onOff...).sub(),
	enm("#SRC", OpGetSet, "pan_source", "Panadapter source", ev("0", "main"), ev("1", "sub")),
	enm("#WBS", OpGetSet, "wideband", "Wideband spectrum", onOff...),
	rng("#WBL", OpGetSet, -200, 60, 3, "wideband_ref", "Wideband reference level"),
	enm("#VAV", OpGetSet, "video_average", "Video averaging", onOff...),

	// Session and protocol
	act("RDY", "ready", "Request full state dump"),
	enm("K4", OpGetSet, "k4_mode", "K4 extended command mode", ints(0, 3)...),
	enm("AI", OpGetSet, "auto_info", "Auto information", ev("0", "off"), ev("1", "1"), ev("2", "2"), ev("4", "4"), ev("5", "5")),
	enm("ER", OpGetSet, "extended_responses", "Extended responses", onOff...),
	act("PING", "ping", "Keepalive"),
	enm("EL", OpGetSet, "error_log", "Error logging", onOff...),
	enm("BR", OpGetSet, "baud_rate", "Serial baud rate", ints(0, 5)...),
	get("IF", "info", "Transceiver information"),
	get("OM", "options", "Installed options"),
	get("RV", "revision", "Firmware revision"),
	get("SN", "serial", "Serial number"),
	get("TM", "temperature", "Temperatures"),
	get("PS", "power_supply", "Supply voltage and current"),
	act("PWR", "power_off", "Power off"),
	rng("BLT", OpGetSet, 1, 8, 1, "backlight", "Backlight level"),
	rng("LED", OpGetSet, 1, 8, 1, "led_brightness", "LED brightness"),
	enm("FN", OpSet, "function", "Front panel function", ints(1, 8)...),
	rng("SWT", OpSet, 1, 200, 3, "switch_tap", "Emulate switch tap"),
	rng("SWH", OpSet, 1, 200, 3, "switch_hold", "Emulate switch hold"),
	rng("MN", OpGetSet, 0, 999, 3, "menu", "Menu entry"),
	rng("MPV", OpGetSet, 0, 9999, 4, "menu_param", "Menu parameter value"),
	get("DS", "display", "Front panel display text"),
	get("DB", "vfo_b_display", "VFO B display text"),
	enm("IC", OpGet, "icons", "Display icons", onOff...),
	get("MSG", "message", "Radio status message"),

	// Transverters and outputs
	enm("XV", OpGetSet, "transverter", "Transverter", ints(0, 9)...),
	rng("XVO", OpGetSet, -9999, 9999, 4, "transverter_offset", "Transverter offset (Hz)").signed(),
	rng("XVP", OpGetSet, 0, 999, 3, "transverter_power", "Transverter drive"),
	enm("KPA", OpGetSet, "amp_enable", "External amplifier", onOff...).with(ActToggle),
	enm("KAT", OpGetSet, "external_atu", "External ATU", onOff...),
	rng("ACC", OpGetSet, 0, 15, 2, "acc_output", "Accessory output"),
	enm("REF", OpGetSet, "reference_source", "Frequency reference", ev("0", "internal"), ev("1", "external")),
	rng("RFC", OpGetSet, -999, 999, 3, "reference_cal", "Reference calibration").signed(),
	enm("GPS", OpGet, "gps_lock", "GPS lock", onOff...),

	// Remote and audio streaming
	rng("RL", OpGetSet, 0, 60, 2, "remote_latency", "Remote audio buffer (20 ms)"),
	enm("RMS", OpGetSet, "remote_mic_source", "Remote mic source", ints(0, 2)...),
	enm("RTX", OpGetSet, "remote_tx", "Remote transmit enable", onOff...),
	rng("RLV", OpGetSet, 0, 100, 3, "remote_level", "Remote audio level"),
	enm("RSQ", OpGetSet, "remote_squelch", "Remote audio squelch", onOff...),
}

// DefaultRegistry holds the K4 vocabulary
var DefaultRegistry = NewRegistry(k4Commands)

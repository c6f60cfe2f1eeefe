package zpay32

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// decodeBech32 decodes invoice using the unbounded-length bech32 variant
// BOLT-11 requires (ordinary bech32 caps strings at 90 characters, which
// a Lightning invoice routinely exceeds).
func decodeBech32(invoice string) (string, []byte, error) {
	return bech32.DecodeNoLimit(invoice)
}

// amountMultiplier maps the BOLT-11 amount suffix character to the
// number of millisatoshis one unit of that suffix represents.
var amountMultiplier = map[byte]float64{
	'm': 100000000000 / 1000,            // milli: 1 btc*10^-3 in msat
	'u': 100000000000 / 1000000,         // micro
	'n': 100000000000 / 1000000000,      // nano
	'p': 100000000000.0 / 1000000000000, // pico
}

// decodeAmount parses the amount suffix of the human-readable part (the
// characters following "ln<net>") into a millisatoshi amount.
func decodeAmount(amount string) (MilliSatoshi, error) {
	if len(amount) < 1 {
		return 0, fmt.Errorf("empty amount")
	}

	suffix := amount[len(amount)-1]
	mult, isSuffixed := amountMultiplier[suffix]

	digits := amount
	if isSuffixed {
		digits = amount[:len(amount)-1]
	} else {
		mult = mSatPerBtc
	}

	num, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %v", amount, err)
	}

	return MilliSatoshi(num * mult), nil
}

// encodeAmount encodes a millisatoshi amount using the largest suffix
// that represents it exactly, the same "fewest possible characters" rule
// BOLT-11 specifies.
func encodeAmount(msat MilliSatoshi) (string, error) {
	if msat == 0 {
		return "", fmt.Errorf("zero amount invoices are not supported")
	}

	picoBtc := float64(msat) / mSatPerBtc * 1e12

	for _, suffix := range []byte{'m', 'u', 'n', 'p'} {
		mult := amountMultiplier[suffix]
		units := picoBtc / (mult / mSatPerBtc * 1e12)
		if units == float64(int64(units)) {
			return strconv.FormatInt(int64(units), 10) + string(suffix), nil
		}
	}

	return "", fmt.Errorf("amount %d msat cannot be represented exactly", msat)
}

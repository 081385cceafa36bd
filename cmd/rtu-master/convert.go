package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"text/tabwriter"
)

// byteOrder applies a forced register order over the default one. swap
// reports whether the two 16-bit words have their bytes exchanged.
func byteOrder(order binary.ByteOrder, forcedOrder string) (_ binary.ByteOrder, swap bool, err error) {
	switch fo := strings.ToUpper(forcedOrder); fo {
	case "":
		// nothing is forced
		return order, false, nil
	case "AB", "ABCD", "BADC":
		return binary.BigEndian, fo == "BADC", nil
	case "BA", "DCBA", "CDAB":
		return binary.LittleEndian, fo == "CDAB", nil
	}
	return nil, false, fmt.Errorf("forced order %s not known", strings.ToUpper(forcedOrder))
}

func swapWords(b []byte) []byte {
	if len(b) != 4 {
		return b
	}
	return []byte{b[1], b[0], b[3], b[2]}
}

func checkRange(eType string, val, min, max float64) error {
	if val > max || val < min {
		return fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
	}
	return nil
}

// convertToBytes encodes val as register content of type eType.
func convertToBytes(eType string, order binary.ByteOrder, forcedOrder string, val float64) ([]byte, error) {
	order, swap, err := byteOrder(order, forcedOrder)
	if err != nil {
		return nil, err
	}

	var buf []byte
	switch eType {
	case "uint16":
		if err := checkRange(eType, val, 0, math.MaxUint16); err != nil {
			return nil, err
		}
		buf = make([]byte, 2)
		order.PutUint16(buf, uint16(val))
	case "int16":
		if err := checkRange(eType, val, math.MinInt16, math.MaxInt16); err != nil {
			return nil, err
		}
		buf = make([]byte, 2)
		order.PutUint16(buf, uint16(int16(val)))
	case "uint32":
		if err := checkRange(eType, val, 0, math.MaxUint32); err != nil {
			return nil, err
		}
		buf = make([]byte, 4)
		order.PutUint32(buf, uint32(val))
	case "int32":
		if err := checkRange(eType, val, math.MinInt32, math.MaxInt32); err != nil {
			return nil, err
		}
		buf = make([]byte, 4)
		order.PutUint32(buf, uint32(int32(val)))
	case "float32":
		if err := checkRange(eType, val, -math.MaxFloat32, math.MaxFloat32); err != nil {
			return nil, err
		}
		buf = make([]byte, 4)
		order.PutUint32(buf, math.Float32bits(float32(val)))
	case "float64":
		buf = make([]byte, 8)
		order.PutUint64(buf, math.Float64bits(val))
	default:
		return nil, fmt.Errorf("unsupported datatype: %s", eType)
	}

	if swap {
		buf = swapWords(buf)
	}
	return buf, nil
}

// resultToString decodes register content r as varType.
func resultToString(r []byte, order binary.ByteOrder, forcedOrder string, varType string) (string, error) {
	order, swap, err := byteOrder(order, forcedOrder)
	if err != nil {
		return "", err
	}
	if swap {
		r = swapWords(r)
	}

	size := map[string]int{
		"uint16": 2, "int16": 2,
		"uint32": 4, "int32": 4, "float32": 4,
		"uint64": 8, "int64": 8,
	}
	if varType == "string" {
		return string(r), nil
	}
	n, ok := size[varType]
	if !ok {
		return "", fmt.Errorf("unsupported datatype: %s", varType)
	}
	if len(r) < n {
		return "", fmt.Errorf("%s needs %d bytes, got %d", varType, n, len(r))
	}

	switch varType {
	case "uint16":
		return fmt.Sprintf("%d", order.Uint16(r)), nil
	case "int16":
		return fmt.Sprintf("%d", int16(order.Uint16(r))), nil
	case "uint32":
		return fmt.Sprintf("%d", order.Uint32(r)), nil
	case "int32":
		return fmt.Sprintf("%d", int32(order.Uint32(r))), nil
	case "float32":
		return fmt.Sprintf("%f", math.Float32frombits(order.Uint32(r))), nil
	case "uint64":
		return fmt.Sprintf("%d", order.Uint64(r)), nil
	default:
		return fmt.Sprintf("%d", int64(order.Uint64(r))), nil
	}
}

func resultToRawString(r []byte, startReg int) (string, error) {
	var res strings.Builder
	for i := 0; i < len(r)/2; i++ {
		fmt.Fprintf(&res, "%d\t0x%X 0x%X\t %b %b\n", startReg+i, r[i*2], r[i*2+1], r[i*2], r[i*2+1])
	}
	return res.String(), nil
}

// resultToAllString decodes a one or two register result in every
// common type and order.
func resultToAllString(result []byte) (string, error) {
	type layout struct {
		name  string
		order binary.ByteOrder
		force string
	}
	var (
		types   []string
		layouts []layout
	)
	switch len(result) {
	case 2:
		types = []string{"int16", "uint16"}
		layouts = []layout{
			{"Big Endian (AB)", binary.BigEndian, ""},
			{"Little Endian (BA)", binary.LittleEndian, ""},
		}
	case 4:
		types = []string{"int32", "uint32", "float32"}
		layouts = []layout{
			{"Big Endian (ABCD)", binary.BigEndian, ""},
			{"Little Endian (DCBA)", binary.LittleEndian, ""},
			{"Mid-Big Endian (BADC)", binary.BigEndian, "BADC"},
			{"Mid-Little Endian (CDAB)", binary.LittleEndian, "CDAB"},
		}
	default:
		return "", fmt.Errorf("can't convert data with length %d", len(result))
	}

	buf := new(bytes.Buffer)
	w := tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
	for i, typ := range types {
		if i > 0 {
			fmt.Fprintln(w, "\t")
		}
		for _, l := range layouts {
			s, err := resultToString(result, l.order, l.force, typ)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(w, "%s\t%s:\t%s\t\n", strings.ToUpper(typ), l.name, s)
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/disktable/internal/model"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// KeySeparator joins the column values of a multi-column index key
const KeySeparator = "|"

// RowCodec encodes schema rows as protobuf ListValues
type RowCodec struct {
	columns  []model.ColumnDesc
	position map[string]int
}

// NewRowCodec creates a codec for the given schema
func NewRowCodec(columns []model.ColumnDesc) *RowCodec {
	position := make(map[string]int, len(columns))
	for i, c := range columns {
		position[c.Name] = i
	}
	return &RowCodec{columns: columns, position: position}
}

// Encode serializes one value per column. Nil encodes a null.
func (c *RowCodec) Encode(values []interface{}) ([]byte, error) {
	if len(values) != len(c.columns) {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(values), len(c.columns))
	}
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(values))}
	for i, v := range values {
		pv, err := c.toValue(c.columns[i], v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.columns[i].Name, err)
		}
		list.Values[i] = pv
	}
	return proto.Marshal(list)
}

// EncodeStrings is a convenience for callers holding string cells
func (c *RowCodec) EncodeStrings(cells []string) ([]byte, error) {
	values := make([]interface{}, len(cells))
	for i, s := range cells {
		values[i] = s
	}
	return c.Encode(values)
}

func (c *RowCodec) toValue(col model.ColumnDesc, v interface{}) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}
	if s, ok := v.(string); ok && col.Type != model.TypeString {
		return parseCell(col.Type, s)
	}
	switch col.Type {
	case model.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return structpb.NewStringValue(s), nil
	case model.TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return structpb.NewBoolValue(b), nil
	default:
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, err
		}
		if _, ok := pv.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return pv, nil
	}
}

func parseCell(t model.DataType, s string) (*structpb.Value, error) {
	switch t {
	case model.TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, err
		}
		return structpb.NewBoolValue(b), nil
	case model.TypeInt, model.TypeBigInt, model.TypeTimestamp:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return structpb.NewNumberValue(float64(n)), nil
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return structpb.NewNumberValue(f), nil
	}
}

// Row is a decoded row, one entry per column
type Row []*structpb.Value

// Decode parses an encoded row and checks it against the schema width
func (c *RowCodec) Decode(data []byte) (Row, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	if len(list.Values) != len(c.columns) {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(list.Values), len(c.columns))
	}
	return Row(list.Values), nil
}

// IndexKey builds the dimension key of a row for the given key columns
func (c *RowCodec) IndexKey(row Row, cols []string) (string, error) {
	parts := make([]string, 0, len(cols))
	for _, name := range cols {
		i, ok := c.position[name]
		if !ok {
			return "", fmt.Errorf("unknown column %s", name)
		}
		parts = append(parts, cellString(c.columns[i].Type, row[i]))
	}
	return strings.Join(parts, KeySeparator), nil
}

// Timestamp reads an integer ts column. ok is false for nulls.
func (c *RowCodec) Timestamp(row Row, col string) (uint64, bool, error) {
	i, ok := c.position[col]
	if !ok {
		return 0, false, fmt.Errorf("unknown column %s", col)
	}
	v := row[i]
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return 0, false, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue < 0 || n.NumberValue > math.MaxInt64 {
		return 0, false, fmt.Errorf("column %s does not hold a timestamp", col)
	}
	return uint64(n.NumberValue), true, nil
}

// Columns returns the schema the codec was built with
func (c *RowCodec) Columns() []model.ColumnDesc {
	return c.columns
}

func cellString(t model.DataType, v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	case *structpb.Value_NumberValue:
		if t == model.TypeFloat || t == model.TypeDouble {
			return strconv.FormatFloat(k.NumberValue, 'g', -1, 64)
		}
		return strconv.FormatInt(int64(k.NumberValue), 10)
	default:
		// null cells contribute an empty component
		return ""
	}
}

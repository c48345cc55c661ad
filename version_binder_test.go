// version_binder_test.go: layout variant detection and field resolution tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type legacyProcessRecord struct {
	processName    string
	hostingNameStr string
	uid            int32
}

type modernProcessRecord struct {
	mProcessName string
	mUid         int32
}

func (r *modernProcessRecord) Label(prefix string) string {
	return prefix + r.mProcessName
}

func (r *modernProcessRecord) SetUID(uid int32) {
	r.mUid = uid
}

func (r *modernProcessRecord) Tags(sep string, tags ...string) string {
	out := r.mProcessName
	for _, t := range tags {
		out += sep + t
	}
	return out
}

var processLayoutVariants = []LayoutVariant{
	{Tag: "legacy", Constraint: "< 10", Fields: map[string][]string{}},
	{Tag: "modern", Constraint: ">= 10", Fields: map[string][]string{
		"processName": {"mProcessName"},
		"uid":         {"mUid"},
	}},
}

func TestVersionBinder_VariantDetection(t *testing.T) {
	t.Run("FirstMatchingConstraintWins", func(t *testing.T) {
		vb, err := NewVersionBinder("12.0.0", processLayoutVariants, nil)
		require.NoError(t, err)
		assert.Equal(t, "modern", vb.Variant())
		assert.True(t, vb.AtLeast("10"))
		assert.False(t, vb.AtLeast("13"))
	})

	t.Run("NoMatchLeavesBinderVariantless", func(t *testing.T) {
		vb, err := NewVersionBinder("9.0", []LayoutVariant{{Tag: "modern", Constraint: ">= 10"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, "", vb.Variant())
		assert.NotNil(t, vb.PlatformVersion())
	})

	t.Run("EmptyPlatformVersion", func(t *testing.T) {
		vb, err := NewVersionBinder("", processLayoutVariants, nil)
		require.NoError(t, err)
		assert.Equal(t, "", vb.Variant())
		assert.Nil(t, vb.PlatformVersion())
		assert.False(t, vb.AtLeast("1.0"))
	})

	t.Run("InvalidConstraintRejected", func(t *testing.T) {
		_, err := NewVersionBinder("10", []LayoutVariant{{Tag: "bad", Constraint: "~~ nonsense"}}, nil)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeInvalidConstraint))
	})

	t.Run("InvalidPlatformVersionRejected", func(t *testing.T) {
		_, err := NewVersionBinder("not-a-version", nil, nil)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeInvalidConstraint))
	})
}

func TestVersionBinder_Resolve(t *testing.T) {
	t.Run("ExactNameOnLegacyLayout", func(t *testing.T) {
		vb, err := NewVersionBinder("9", processLayoutVariants, nil)
		require.NoError(t, err)
		desc := DescribeStruct("ProcessRecord", legacyProcessRecord{})

		b, err := vb.Resolve(desc, FieldSpec{Name: "processName", Required: true})
		require.NoError(t, err)
		assert.True(t, b.Present())
		assert.Equal(t, "processName", b.Name())

		name, err := b.GetString(&legacyProcessRecord{processName: "com.example.app"})
		require.NoError(t, err)
		assert.Equal(t, "com.example.app", name)
	})

	t.Run("VariantNameOnModernLayout", func(t *testing.T) {
		vb, err := NewVersionBinder("11", processLayoutVariants, nil)
		require.NoError(t, err)
		desc := DescribeStruct("ProcessRecord", modernProcessRecord{})

		b, err := vb.Resolve(desc, FieldSpec{Name: "uid", Required: true})
		require.NoError(t, err)
		assert.Equal(t, "mUid", b.Name())

		uid, err := b.GetInt(modernProcessRecord{mUid: 10057})
		require.NoError(t, err)
		assert.Equal(t, int64(10057), uid)
	})

	t.Run("AliasFallback", func(t *testing.T) {
		vb, err := NewVersionBinder("", nil, nil)
		require.NoError(t, err)
		desc := DescribeStruct("ProcessRecord", modernProcessRecord{})

		b, err := vb.Resolve(desc, FieldSpec{Name: "processName", Aliases: []string{"name", "mProcessName"}})
		require.NoError(t, err)
		assert.Equal(t, "mProcessName", b.Name())
	})

	t.Run("OptionalMissIsAbsent", func(t *testing.T) {
		vb, err := NewVersionBinder("11", processLayoutVariants, nil)
		require.NoError(t, err)
		desc := DescribeStruct("ProcessRecord", modernProcessRecord{})

		b, err := vb.Resolve(desc, FieldSpec{Name: "hostingNameStr"})
		require.NoError(t, err)
		assert.False(t, b.Present())
		assert.Equal(t, "", b.Name())

		_, err = b.Get(&modernProcessRecord{})
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeAbsentBinding))
	})

	t.Run("RequiredMissFails", func(t *testing.T) {
		vb, err := NewVersionBinder("11", processLayoutVariants, nil)
		require.NoError(t, err)
		desc := DescribeStruct("ProcessRecord", modernProcessRecord{})

		_, err = vb.Resolve(desc, FieldSpec{Name: "hostingNameStr", Required: true})
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeFieldNotFound))

		// Cached absent binding still honors Required.
		_, err = vb.Resolve(desc, FieldSpec{Name: "hostingNameStr", Required: true})
		assert.True(t, HasErrorCode(err, ErrCodeFieldNotFound))
	})

	t.Run("MissingTypeDescriptor", func(t *testing.T) {
		vb, err := NewVersionBinder("", nil, nil)
		require.NoError(t, err)

		_, err = vb.Resolve(nil, FieldSpec{Name: "processName", Required: true})
		assert.True(t, HasErrorCode(err, ErrCodeTypeNotFound))

		b, err := vb.Resolve(nil, FieldSpec{Name: "processName"})
		require.NoError(t, err)
		assert.False(t, b.Present())
	})

	t.Run("BindingsAreCached", func(t *testing.T) {
		vb, err := NewVersionBinder("", nil, nil)
		require.NoError(t, err)
		desc := DescribeStruct("ProcessRecord", legacyProcessRecord{})

		first, err := vb.Resolve(desc, FieldSpec{Name: "uid"})
		require.NoError(t, err)
		second, err := vb.Resolve(desc, FieldSpec{Name: "uid"})
		require.NoError(t, err)
		assert.Same(t, first, second)
	})

	t.Run("AliasesArePartOfTheSite", func(t *testing.T) {
		vb, err := NewVersionBinder("", nil, nil)
		require.NoError(t, err)
		desc := DescribeStruct("ProcessRecord", modernProcessRecord{})

		aliased, err := vb.Resolve(desc, FieldSpec{Name: "processName", Aliases: []string{"mProcessName"}})
		require.NoError(t, err)
		assert.True(t, aliased.Present())

		plain, err := vb.Resolve(desc, FieldSpec{Name: "processName"})
		require.NoError(t, err)
		assert.False(t, plain.Present(), "a site without the alias does not inherit it")

		again, err := vb.Resolve(desc, FieldSpec{Name: "processName", Aliases: []string{"mProcessName"}})
		require.NoError(t, err)
		assert.Same(t, aliased, again)
	})

	t.Run("WrongInstanceType", func(t *testing.T) {
		vb, err := NewVersionBinder("", nil, nil)
		require.NoError(t, err)
		b, err := vb.Resolve(DescribeStruct("ProcessRecord", legacyProcessRecord{}), FieldSpec{Name: "uid"})
		require.NoError(t, err)

		_, err = b.Get(&modernProcessRecord{})
		assert.True(t, HasErrorCode(err, ErrCodeInvalidInstance))
	})
}

func TestVersionBinder_ResolveMethod(t *testing.T) {
	vb, err := NewVersionBinder("", nil, nil)
	require.NoError(t, err)
	desc := DescribeStruct("ProcessRecord", modernProcessRecord{})

	b, err := vb.ResolveMethod(desc, FieldSpec{Name: "getLabel", Aliases: []string{"Label"}, Required: true})
	require.NoError(t, err)
	assert.Equal(t, "Label", b.Name())

	out, err := b.Invoke(&modernProcessRecord{mProcessName: "mail"}, "proc:")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "proc:mail", out[0])

	_, err = b.Invoke(&modernProcessRecord{})
	assert.Error(t, err, "argument count mismatch must be reported")

	t.Run("ConvertsNumericArguments", func(t *testing.T) {
		set, err := vb.ResolveMethod(desc, FieldSpec{Name: "SetUID", Required: true})
		require.NoError(t, err)
		rec := &modernProcessRecord{}
		_, err = set.Invoke(rec, 10057)
		require.NoError(t, err)
		assert.Equal(t, int32(10057), rec.mUid)

		_, err = set.Invoke(rec, int64(1)<<40)
		assert.ErrorContains(t, err, "does not fit")
		_, err = set.Invoke(rec, "10057")
		assert.ErrorContains(t, err, "not assignable")
		_, err = set.Invoke(rec, nil)
		assert.Error(t, err)
		assert.Equal(t, int32(10057), rec.mUid)
	})

	t.Run("Variadic", func(t *testing.T) {
		tags, err := vb.ResolveMethod(desc, FieldSpec{Name: "Tags", Required: true})
		require.NoError(t, err)
		rec := &modernProcessRecord{mProcessName: "mail"}

		out, err := tags.Invoke(rec, "/")
		require.NoError(t, err)
		assert.Equal(t, "mail", out[0])

		out, err = tags.Invoke(rec, "/", "sync", "push")
		require.NoError(t, err)
		assert.Equal(t, "mail/sync/push", out[0])

		_, err = tags.Invoke(rec)
		assert.Error(t, err)
		_, err = tags.Invoke(rec, "/", 7)
		assert.Error(t, err)
	})

	// Record descriptors carry no methods.
	missing, err := vb.ResolveMethod(DescribeRecord("HostingRecord", "name"), FieldSpec{Name: "getName"})
	require.NoError(t, err)
	assert.False(t, missing.Present())
}

func TestVersionBinder_RecordDescriptor(t *testing.T) {
	vb, err := NewVersionBinder("", nil, nil)
	require.NoError(t, err)
	desc := DescribeRecord("ApplicationInfo", "packageName", "uid")

	b, err := vb.Resolve(desc, FieldSpec{Name: "packageName", Required: true})
	require.NoError(t, err)
	pkg, err := b.GetString(map[string]any{"packageName": "com.example.app"})
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", pkg)

	uid, err := vb.Resolve(desc, FieldSpec{Name: "uid"})
	require.NoError(t, err)
	n, err := uid.GetInt(map[string]any{"uid": "10057"})
	require.NoError(t, err)
	assert.Equal(t, int64(10057), n)

	_, err = b.Get("not a record")
	assert.True(t, HasErrorCode(err, ErrCodeInvalidInstance))
}

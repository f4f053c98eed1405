package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const bilingualStatute = `قانون رقم (22) لسنة 2004 بإصدار القانون المدني

الكتاب الثاني
الباب الأول
الفصل الثالث: الوكالة
المادة (٧١٦): الوكالة عقد بمقتضاه يلتزم الوكيل بأن يقوم بعمل قانوني لحساب الموكل.
المادة (717)
يجب أن يتوافر في الوكالة الشكل الواجب توافره في العمل القانوني محل الوكالة.
الفصل الرابع: آثار الوكالة
مادة 718 - لا يجوز للوكيل أن ينيب غيره إلا إذا كان مرخصاً له في ذلك، وفقاً للمادة (716).

Article 716: Agency is a contract whereby the agent undertakes to perform a legal act for the principal.
Article 717. The power of attorney must take the form required for the act.
`

func TestSplit(t *testing.T) {
	segs := Split(bilingualStatute)
	require.Len(t, segs, 5)

	nums := make([]int, len(segs))
	for i, s := range segs {
		nums[i] = s.Number
	}
	assert.Equal(t, []int{716, 717, 718, 716, 717}, nums)

	assert.Equal(t, "الوكالة عقد بمقتضاه يلتزم الوكيل بأن يقوم بعمل قانوني لحساب الموكل.", segs[0].Text)
	assert.Equal(t, "يجب أن يتوافر في الوكالة الشكل الواجب توافره في العمل القانوني محل الوكالة.", segs[1].Text,
		"trailing chapter heading belongs to the next article")
	assert.Equal(t, "الفصل الثالث: الوكالة", segs[0].Hierarchy["chapter"])
	assert.Equal(t, "الباب الأول", segs[0].Hierarchy["part"])
	assert.Equal(t, "الفصل الرابع: آثار الوكالة", segs[2].Hierarchy["chapter"])
	assert.Equal(t, "الكتاب الثاني", segs[2].Hierarchy["book"])
}

func TestSplit_NoHeadings(t *testing.T) {
	assert.Empty(t, Split("نص بلا مواد"))
	assert.Empty(t, SplitArticles(""))
}

func TestUpdateHierarchyResetsInnerLevels(t *testing.T) {
	h := map[string]string{}
	updateHierarchy(h, "الباب الأول\nالفصل الأول\nالفرع الأول")
	require.Len(t, h, 3)
	updateHierarchy(h, "الباب الثاني")
	assert.Equal(t, map[string]string{"part": "الباب الثاني"}, h)
}

func TestSplitArticles_MergesLanguages(t *testing.T) {
	arts := SplitArticles(bilingualStatute)
	require.Len(t, arts, 3)

	assert.Equal(t, 716, arts[0].ArticleNumber)
	assert.Contains(t, arts[0].TextArabic, "الوكالة عقد")
	assert.Contains(t, arts[0].TextEnglish, "Agency is a contract")
	assert.Equal(t, "The power of attorney must take the form required for the act.", arts[1].TextEnglish)
	assert.Empty(t, arts[2].TextEnglish)
	assert.Contains(t, arts[2].TextArabic, "وفقاً للمادة (716)")
}

func TestIsArabic(t *testing.T) {
	assert.True(t, IsArabic("الوكالة عقد"))
	assert.True(t, IsArabic("الوكالة (POA) عقد ملزم للجانبين"))
	assert.False(t, IsArabic("Agency is a contract"))
	assert.False(t, IsArabic("123"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, f := range []string{"pdf", "xlsx", "json", "jsonl", "txt", "PDF"} {
		l, err := r.Get(f)
		require.NoError(t, err, f)
		assert.NotNil(t, l)
	}
	_, err := r.Get("docx")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	assert.Equal(t, "jsonl", Format("/data/civil.JSONL"))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Text(t *testing.T) {
	path := writeFile(t, "civil.txt", bilingualStatute)
	arts, err := NewRegistry().Load(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, arts, 3)
}

func TestLoad_TextWithoutArticles(t *testing.T) {
	path := writeFile(t, "notes.txt", "مذكرة إيضاحية")
	_, err := NewRegistry().Load(context.Background(), path)
	assert.True(t, errors.Is(err, ErrNoArticles))
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "civil.json", `[
		{"law_id": "civil-2004", "article_number": 716, "text_arabic": " الوكالة عقد ", "hierarchy_path": {"chapter": "الوكالة"}},
		{"law_id": "civil-2004", "article_number": "717", "text_english": "Form of agency", "citation": {"gazette": "11/2004"}}
	]`)
	arts, err := NewRegistry().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "الوكالة عقد", arts[0].TextArabic)
	assert.Equal(t, "الوكالة", arts[0].Hierarchy["chapter"])
	assert.Equal(t, 717, arts[1].ArticleNumber)
	assert.Equal(t, "11/2004", arts[1].Citation["gazette"])

	bad := writeFile(t, "bad.json", `[{"article_number": 0}]`)
	_, err = NewRegistry().Load(context.Background(), bad)
	assert.Error(t, err)
}

func TestLoad_JSONL(t *testing.T) {
	path := writeFile(t, "civil.jsonl",
		`{"law_id": "civil-2004", "article_number": 716, "text_arabic": "الوكالة عقد"}`+"\n\n"+
			`{"law_id": "civil-2004", "article_number": 718, "text_arabic": "لا يجوز للوكيل"}`+"\n")
	arts, err := NewRegistry().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, 718, arts[1].ArticleNumber)

	broken := writeFile(t, "broken.jsonl", "{\"article_number\": 1}\n{oops\n")
	_, err = NewRegistry().Load(context.Background(), broken)
	assert.ErrorContains(t, err, "line 2")
}

func TestLoad_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Article_Number", "Text_Arabic", "Text_English", "Law_ID", "Chapter"},
		{716, "الوكالة عقد", "Agency is a contract", "civil-2004", "الوكالة"},
		{"", "صف بلا رقم", "", "civil-2004", ""},
		{"٧١٧", "الشكل الواجب", "", "civil-2004", ""},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	path := filepath.Join(t.TempDir(), "civil.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	arts, err := NewRegistry().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, 716, arts[0].ArticleNumber)
	assert.Equal(t, "civil-2004", arts[0].LawID)
	assert.Equal(t, "Agency is a contract", arts[0].TextEnglish)
	assert.Equal(t, "الوكالة", arts[0].Hierarchy["chapter"])
	assert.Equal(t, "2", arts[0].Citation["row"])
	assert.Equal(t, 717, arts[1].ArticleNumber)
	assert.Nil(t, arts[1].Hierarchy)
}

func TestLoad_PDFMissingFile(t *testing.T) {
	_, err := NewRegistry().Load(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
}

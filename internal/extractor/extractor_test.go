package extractor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const productPage = `<!doctype html>
<html>
<head>
  <title>Russell Hobbs Kettle - Makro | Online</title>
  <link rel="canonical" href="https://www.makro.co.za/russell-hobbs-kettle/p/itm123abc">
  <script type="application/ld+json">{"@type":"Product","sku":"KETGH2KXYZ7QPL4F"}</script>
</head>
<body>
  <h1> Russell Hobbs 1.7L Kettle </h1>
  <div class="Xaaq-1 _16Jk6d">R 1,095.00</div>
  <div class="seller-box"><span>Sold by Acme Traders</span></div>
  <button>Add to cart</button>
</body>
</html>`

func TestExtractProductPage(t *testing.T) {
	t.Parallel()

	x := New(Config{})
	res, err := x.Extract("https://www.makro.co.za/russell-hobbs-kettle/p/itm123abc?pid=KETGH2KXYZ7QPL4F", []byte(productPage))
	require.NoError(t, err)

	require.Equal(t, "Russell Hobbs 1.7L Kettle", res.Title)
	require.NotNil(t, res.Price)
	require.InDelta(t, 1095.0, *res.Price, 1e-9)
	require.Equal(t, "Acme Traders", res.Seller)
	require.True(t, res.HasBuyBox)
	require.NotNil(t, res.InStock)
	require.True(t, *res.InStock)
	require.Equal(t, "KETGH2KXYZ7QPL4F", res.Identifier)
	require.Equal(t, "itm123abc", res.Slug)
}

func TestExtractFallbacks(t *testing.T) {
	t.Parallel()

	page := `<html><head><title>Air Fryer | Makro</title></head><body>
<div class="product" data-product-id="afry00112233"></div>
<span class="price-now">R 899.00</span>
<span class="price-was">R 1 299,00</span>
<span class="price-tiny">R 5</span>
<p>Currently out of stock</p>
</body></html>`
	res, err := New(Config{}).Extract("https://www.makro.co.za/air-fryer/p/itmafry", []byte(page))
	require.NoError(t, err)

	require.Equal(t, "Air Fryer", res.Title)
	require.NotNil(t, res.Price)
	require.InDelta(t, 899.0, *res.Price, 1e-9)
	require.Equal(t, "AFRY00112233", res.Identifier)
	require.Empty(t, res.Seller)
	require.False(t, res.HasBuyBox)
	require.NotNil(t, res.InStock)
	require.False(t, *res.InStock)
}

func TestExtractIdentifierFromMarkup(t *testing.T) {
	t.Parallel()

	page := `<html><body><h1>Toaster</h1><script>window.__STATE__={"fsn":"TSTR1234567890"}</script></body></html>`
	res, err := New(Config{}).Extract("https://www.makro.co.za/toaster/p/itmtstr", []byte(page))
	require.NoError(t, err)
	require.Equal(t, "TSTR1234567890", res.Identifier)
	require.Nil(t, res.Price)
	require.Nil(t, res.InStock)
}

func TestRenderCheck(t *testing.T) {
	t.Parallel()

	check := NewRenderCheck(64, []string{"h1"}, []string{"enable JavaScript"})
	require.True(t, check.Unrendered([]byte("<html></html>")))
	require.True(t, check.Unrendered([]byte(`<html><body><noscript>Please enable javascript to continue shopping today</noscript></body></html>`)))
	require.True(t, check.Unrendered([]byte(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`)))
	require.False(t, check.Unrendered([]byte(productPage)))

	var nilCheck *RenderCheck
	require.False(t, nilCheck.Unrendered(nil))
}
